package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// StatSample is one persisted pool-statistic observation, feeding the chart
// export.
type StatSample struct {
	Slug     string
	SampleTS time.Time
	APY      decimal.Decimal
	TVL      decimal.Decimal
}
