package rdma

import (
	"fmt"
	"sort"
)

// Rate is a static rate code as carried in address vectors.
type Rate uint8

const (
	RateMax     Rate = 0
	Rate2_5Gbps Rate = 2
	Rate10Gbps  Rate = 3
	Rate30Gbps  Rate = 4
	Rate5Gbps   Rate = 5
	Rate20Gbps  Rate = 6
	Rate40Gbps  Rate = 7
	Rate60Gbps  Rate = 8
	Rate80Gbps  Rate = 9
	Rate120Gbps Rate = 10
)

var rates = map[string]Rate{
	"":      RateMax,
	"max":   RateMax,
	"1xSDR": Rate2_5Gbps,
	"1xDDR": Rate5Gbps,
	"1xQDR": Rate10Gbps,
	"4xSDR": Rate10Gbps,
	"4xDDR": Rate20Gbps,
	"4xQDR": Rate40Gbps,
	"8xSDR": Rate20Gbps,
	"8xDDR": Rate40Gbps,
	"8xQDR": Rate80Gbps,
	"2.5":   Rate2_5Gbps,
	"5":     Rate5Gbps,
	"10":    Rate10Gbps,
	"20":    Rate20Gbps,
	"30":    Rate30Gbps,
	"40":    Rate40Gbps,
	"60":    Rate60Gbps,
	"80":    Rate80Gbps,
	"120":   Rate120Gbps,
}

// LookupRate resolves a link rate name such as "4xQDR" or "40".
// Names are case sensitive; the empty string selects the maximum rate.
func LookupRate(name string) (Rate, error) {
	r, ok := rates[name]
	if !ok {
		return 0, fmt.Errorf("%w: bad static rate: %s", ErrConfiguration, name)
	}

	return r, nil
}

// RateNames lists the accepted rate names in sorted order.
func RateNames() []string {
	names := make([]string, 0, len(rates))

	for name := range rates {
		if name != "" {
			names = append(names, name)
		}
	}

	sort.Strings(names)

	return names
}
