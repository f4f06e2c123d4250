package backend

// UnknownSerial is stored when a report carries no serial number.
const UnknownSerial = "unknown"

// serialPaths are tried in order. The first is the layout of the legacy
// HTTP reporters, the last is an agent result.
var serialPaths = [][]string{
	{"hardware", "serial_number"},
	{"serial_number"},
	{"capabilities", "serial_number", "value"},
}

// SerialNumber finds the device serial in a report document.
func SerialNumber(data map[string]any) string {
	for _, path := range serialPaths {
		if s := lookupString(data, path); s != "" {
			return s
		}
	}
	return UnknownSerial
}

func lookupString(data map[string]any, path []string) string {
	var cur any = data
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur = m[key]
	}
	s, _ := cur.(string)
	return s
}
