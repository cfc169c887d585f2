package analytics

import (
	"gps-telemetry-monitor/internal/models"
)

// GoodGNSSFix is the gnssStatus value denoting a valid satellite lock
const GoodGNSSFix = 1

// Dashboard folds decoded sensor readings and the base metrics of a filtered
// record set into one report, decoding with the given table (nil selects the
// default table).
//
// Records without a gnssStatus reading count as neither good nor bad fixes.
func Dashboard(records []models.GPSRecord, codes *CodeTable) models.DashboardReport {
	codes = tableOrDefault(codes)
	records = Ascending(records)

	var (
		odometerSum  float64
		voltageSum   float64
		voltageCount int
		fix          models.GnssFix
	)
	gsmLevels := make(map[int]int)

	for i := range records {
		decoded := codes.Decode(records[i].IOData)

		if v, ok := decoded[NameTotalOdometer]; ok {
			odometerSum += v.Value
		}
		if v, ok := decoded[NameBatteryVoltage]; ok {
			voltageSum += v.Value
			voltageCount++
		}
		if v, ok := decoded[NameGSMSignal]; ok {
			gsmLevels[int(v.Value)]++
		}
		if v, ok := decoded[NameGNSSStatus]; ok {
			if v.Value == GoodGNSSFix {
				fix.Good++
			} else {
				fix.Bad++
			}
		}
	}

	var voltageAvg float64
	if voltageCount > 0 {
		voltageAvg = voltageSum / float64(voltageCount)
	}

	return models.DashboardReport{
		TotalOdometerSum: models.ValueWithUnit{
			Value: odometerSum,
			Unit:  codes.Unit(NameTotalOdometer),
		},
		AverageBatteryVoltage: models.ValueWithUnit{
			Value: voltageAvg,
			Unit:  codes.Unit(NameBatteryVoltage),
		},
		GsmSignalDistribution: gsmLevels,
		GnssFix:               fix,
		BaseMetrics:           BaseMetrics(records),
		TotalRecordsProcessed: len(records),
	}
}
