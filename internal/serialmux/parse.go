package serialmux

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Commands understood by the bridge firmware.
const (
	CommandEchoOff      = "ECHO OFF"
	CommandPowerQuery   = "PWR?"
	CommandAdvertise    = "ADV"
	CommandAdvertiseOff = "ADV OFF"
	CommandScanOn       = "SCAN ON"
	CommandScanOff      = "SCAN OFF"
)

const (
	LineTypePower   = "power"
	LineTypeReceive = "receive"
	LineTypeAck     = "ack"
	LineTypeError   = "error"
	LineTypeUnknown = "unknown"
)

var ErrMalformedLine = errors.New("malformed bridge line")

// ClassifyLine returns the line type token for a line read from the bridge.
func ClassifyLine(line string) string {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, "PWR "):
		return LineTypePower
	case strings.HasPrefix(line, "RX "):
		return LineTypeReceive
	case line == "OK" || strings.HasPrefix(line, "OK "):
		return LineTypeAck
	case line == "ERR" || strings.HasPrefix(line, "ERR "):
		return LineTypeError
	}
	return LineTypeUnknown
}

// AdvertiseCommand formats raw advertising data as an ADV command.
func AdvertiseCommand(raw []byte) string {
	return CommandAdvertise + " " + strings.ToUpper(hex.EncodeToString(raw))
}

// ParsePowerLine parses "PWR ON" or "PWR OFF".
func ParsePowerLine(line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "PWR ON":
		return true, nil
	case "PWR OFF":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrMalformedLine, line)
}

// ReceiveLine is one advertisement reported by the bridge.
type ReceiveLine struct {
	Address string
	RSSI    int
	Data    []byte
}

// ParseReceiveLine parses "RX <addr> <rssi> <hex>".
func ParseReceiveLine(line string) (ReceiveLine, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 || fields[0] != "RX" {
		return ReceiveLine{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	rssi, err := strconv.Atoi(fields[2])
	if err != nil {
		return ReceiveLine{}, fmt.Errorf("%w: rssi %q: %v", ErrMalformedLine, fields[2], err)
	}
	data, err := hex.DecodeString(fields[3])
	if err != nil {
		return ReceiveLine{}, fmt.Errorf("%w: data: %v", ErrMalformedLine, err)
	}
	return ReceiveLine{Address: fields[1], RSSI: rssi, Data: data}, nil
}
