package domain

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// positionNamespace scopes name-based position ids.
var positionNamespace = uuid.MustParse("6f1c3d2a-9b7e-5c44-8a1f-2e0d4b6c8a90")

// DerivePositionID returns the deterministic id for a position opened from
// the entry candle of symbol/side reported by source. The same inputs always
// produce the same id.
func DerivePositionID(symbol string, side Side, candleTime time.Time, source string) string {
	name := strings.Join([]string{
		strings.ToUpper(symbol),
		string(side),
		strconv.FormatInt(candleTime.UTC().UnixMilli(), 10),
		source,
	}, "|")
	return uuid.NewSHA1(positionNamespace, []byte(name)).String()
}
