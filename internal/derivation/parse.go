package derivation

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// nameRegexp matches the collector naming convention once the host prefix
// has been stripped: plugin[-plugin_instance].type[.-type_instance].
var nameRegexp = regexp.MustCompile(`^([^-.]+)(?:-([^.]+))?\.([^.-]+)(?:[.-](.+))?$`)

// parsedName is a decoded collector metric name.
type parsedName struct {
	Plugin         string
	PluginInstance string
	Type           string
	TypeInstance   string
}

// parseLine splits one collector wire line ("name value timestamp") into
// its three whitespace-separated tokens and decodes value/timestamp.
func parseLine(line string) (name string, value float64, ts time.Time, err error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return "", 0, time.Time{}, fmt.Errorf("derivation: malformed line %q: expected 3 fields, got %d", line, len(fields))
	}

	value, err = strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("derivation: bad value in %q: %w", line, err)
	}

	epoch, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", 0, time.Time{}, fmt.Errorf("derivation: bad timestamp in %q: %w", line, err)
	}

	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * float64(time.Second))
	ts = time.Unix(sec, nsec).UTC()

	return fields[0], value, ts, nil
}

// parseMetricName strips the host prefix (first dot-component) from name
// and decodes the remainder against nameRegexp. Names that don't match are
// reported back as unmatched so the caller can drop them silently.
func parseMetricName(name string) (parsedName, bool) {
	dot := strings.IndexByte(name, '.')
	if dot < 0 || dot == len(name)-1 {
		return parsedName{}, false
	}
	remainder := name[dot+1:]

	m := nameRegexp.FindStringSubmatch(remainder)
	if m == nil {
		return parsedName{}, false
	}

	return parsedName{
		Plugin:         m[1],
		PluginInstance: m[2],
		Type:           m[3],
		TypeInstance:   m[4],
	}, true
}
