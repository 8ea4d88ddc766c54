package schema

import "strings"

// columnAliases maps each important canonical column to the raw header
// variants seen across head-end vendors. Matching is case-insensitive;
// the canonical name itself is always accepted.
var columnAliases = map[string][]string{
	ColMeterID: {
		"METER_ID",
		"METERID",
		"MTR_ID",
		"MTRID",
		"DEVICE_ID",
		"DEVICEID",
		"METER_IDENTIFIER",
	},
	ColDataTime: {
		"DATA_TIME",
		"DATATIME",
		"READING_DATETIME",
		"READING_TIME",
		"READ_TIME",
		"READ_DATETIME",
		"TIMESTAMP",
		"DATETIME",
		"DATE_TIME",
	},
	ColImportActivePower: {
		"IMPORT_ACTIVE_POWER",
		"ACTIVE_IMP_POWER",
		"IMP_ACTIVE_POWER",
		"ACTIVE_IMPORT_POWER",
		"ACTIVE_POWER_IMPORT",
		"IMPORT_KW",
		"KW_IMPORT",
	},
}

// aliasTarget returns the canonical important column a raw header maps to,
// or "" if the header is not a known variant of any important column.
func aliasTarget(rawHeader string) string {
	needle := strings.ToUpper(strings.TrimSpace(rawHeader))
	for canonical, variants := range columnAliases {
		for _, v := range variants {
			if needle == v {
				return canonical
			}
		}
	}
	return ""
}
