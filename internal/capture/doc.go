// Package capture records BLE discoveries to pcap files and replays them.
//
// Each packet carries one discovery using link type USER0 (147):
//
//	[peer id length][peer id][rssi int8][advertising data]
//
// The pcap record timestamp is the discovery time.
package capture
