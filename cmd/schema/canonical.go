package schema

// Canonical column names the rest of the pipeline assumes. The order is
// the order readings arrive in from the metering head-end exports.
const (
	ColMeterID             = "METER_ID"
	ColID                  = "ID"
	ColMeterNo             = "METER_NO"
	ColDataTime            = "DATA_TIME"
	ColImportActivePower   = "IMPORT_ACTIVE_POWER"
	ColImportReactivePower = "IMPORT_REACTIVE_POWER"
	ColImportApparentPower = "IMPORT_APPARENT_POWER"
	ColReactivePowerImport = "REACTIVE_POWER_IMPORT"
	ColExportActivePower   = "EXPORT_ACTIVE_POWER"
	ColExportReactivePower = "EXPORT_REACTIVE_POWER"
	ColExportApparentPower = "EXPORT_APPARENT_POWER"
	ColReactivePowerExport = "REACTIVE_POWER_EXPORT"
	ColImportFactorPower   = "IMPORT_FACTOR_POWER"
	ColExportFactorPower   = "EXPORT_FACTOR_POWER"
	ColStatus              = "STATUS"
)

// Derived columns added by the transform engine.
const (
	ColDataTimeStr = "DATA_TIME_STR"
	ColQuarter     = "QUARTER"
	ColRowHash     = "ROW_HASH"
)

// CanonicalColumns is the fixed, versioned column list for a full-schema
// file. Process-wide configuration; never mutated.
var CanonicalColumns = []string{
	ColMeterID,
	ColID,
	ColMeterNo,
	ColDataTime,
	ColImportActivePower,
	ColImportReactivePower,
	ColImportApparentPower,
	ColReactivePowerImport,
	ColExportActivePower,
	ColExportReactivePower,
	ColExportApparentPower,
	ColReactivePowerExport,
	ColImportFactorPower,
	ColExportFactorPower,
	ColStatus,
}

// ImportantColumns is the minimum set required for a row to be usable:
// a device identifier, a timestamp, and one power measurement.
var ImportantColumns = []string{
	ColMeterID,
	ColDataTime,
	ColImportActivePower,
}

// PowerColumns are the measurement columns coerced to float64 in a
// full-schema transform.
var PowerColumns = []string{
	ColImportActivePower,
	ColExportActivePower,
	ColImportReactivePower,
	ColExportReactivePower,
}

// ImportantPowerColumns is the minimal coercion set used when only the
// important columns are populated.
var ImportantPowerColumns = []string{
	ColImportActivePower,
}
