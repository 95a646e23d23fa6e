package discovery

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sweeney/sleepy-node/internal/device"
)

// TXT record keys.
const (
	TXTKeySerial = "sn"
	TXTKeyIID    = "iid"
	TXTKeyIA     = "ia"
	TXTKeyPM     = "pm"
)

// ErrMissingRequired is returned when a required TXT key is absent.
var ErrMissingRequired = errors.New("missing required TXT record")

// TXTRecordMap is a map of TXT record key-value pairs.
type TXTRecordMap map[string]string

// EncodeTXT creates TXT records for a discovery record.
func EncodeTXT(r device.Record) TXTRecordMap {
	pm := "0"
	if r.ProgrammingMode {
		pm = "1"
	}
	return TXTRecordMap{
		TXTKeySerial: r.Serial,
		TXTKeyIID:    strconv.FormatUint(r.IID, 10),
		TXTKeyIA:     strconv.FormatUint(uint64(r.IA), 16),
		TXTKeyPM:     pm,
	}
}

// DecodeTXT parses TXT records into a discovery record.
func DecodeTXT(txt TXTRecordMap) (device.Record, error) {
	var r device.Record

	serial, ok := txt[TXTKeySerial]
	if !ok {
		return r, fmt.Errorf("%w: %s", ErrMissingRequired, TXTKeySerial)
	}
	r.Serial = serial

	if s, ok := txt[TXTKeyIID]; ok {
		iid, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return r, fmt.Errorf("parse %s: %w", TXTKeyIID, err)
		}
		r.IID = iid
	}
	if s, ok := txt[TXTKeyIA]; ok {
		ia, err := strconv.ParseUint(s, 16, 16)
		if err != nil {
			return r, fmt.Errorf("parse %s: %w", TXTKeyIA, err)
		}
		r.IA = uint16(ia)
	}
	r.ProgrammingMode = txt[TXTKeyPM] == "1"
	return r, nil
}

// Subtypes returns the service subtypes a record is browsable under: the
// serial number, the address once assigned, and programming mode.
func Subtypes(r device.Record) []string {
	subs := []string{"_" + strings.ToLower(r.Serial)}
	if r.IA != 0 {
		subs = append(subs, fmt.Sprintf("_ia%x-%x", r.IID, r.IA))
	}
	if r.ProgrammingMode {
		subs = append(subs, "_pm")
	}
	return subs
}

// TXTRecordsToStrings converts a TXTRecordMap to sorted "key=value" strings.
func TXTRecordsToStrings(txt TXTRecordMap) []string {
	result := make([]string, 0, len(txt))
	for k, v := range txt {
		result = append(result, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(result)
	return result
}

// StringsToTXTRecords parses a slice of "key=value" strings into a TXTRecordMap.
func StringsToTXTRecords(strs []string) TXTRecordMap {
	txt := make(TXTRecordMap)
	for _, s := range strs {
		k, v, found := strings.Cut(s, "=")
		if found {
			txt[k] = v
		} else if k != "" {
			// Key without value (boolean flag)
			txt[k] = ""
		}
	}
	return txt
}
