package lorawan

import (
	"fmt"
	"sort"
	"time"

	brocaar "github.com/brocaar/lorawan"
	loraband "github.com/brocaar/lorawan/band"
)

// maxDataRates bounds the DR index space of every regional plan.
const maxDataRates = 16

// Region is the representative frequency / data-rate plan the simulator
// works with. It is resolved from the regional parameters once at startup
// and is read-only afterwards.
type Region struct {
	Name             string
	Channels         []Channel
	DataRates        map[int]DataRate
	MaxTXPowerIndex  int
	RX2Frequency     uint32
	RX2DataRate      int
	JoinAcceptDelay1 time.Duration
	JoinAcceptDelay2 time.Duration

	minFrequency uint32
	maxFrequency uint32
	band         loraband.Band
}

// Channel represents a LoRa channel
type Channel struct {
	Frequency uint32
	MinDR     int
	MaxDR     int
}

// DataRate represents a data rate configuration
type DataRate struct {
	SpreadFactor int
	Bandwidth    int
	BitRate      int
}

// String returns the packet-forwarder data rate identifier, e.g. SF7BW125.
func (d DataRate) String() string {
	if d.SpreadFactor == 0 {
		return fmt.Sprintf("%d", d.BitRate)
	}
	return fmt.Sprintf("SF%dBW%d", d.SpreadFactor, d.Bandwidth)
}

// IsLoRa reports whether the data rate uses LoRa modulation.
func (d DataRate) IsLoRa() bool {
	return d.SpreadFactor != 0
}

// regionLimits covers what the regional parameter tables do not expose:
// the ISM band edges and the number of TX power steps.
var regionLimits = map[string]struct {
	min, max   uint32
	maxTXPower int
}{
	"EU868": {863000000, 870000000, 7},
	"EU433": {433175000, 434665000, 5},
	"US915": {902000000, 928000000, 14},
	"AU915": {915000000, 928000000, 14},
	"CN470": {470000000, 510000000, 7},
	"AS923": {915000000, 928000000, 7},
	"KR920": {920900000, 923300000, 7},
	"IN865": {865000000, 867000000, 10},
}

// LoadRegion returns the plan for a band name such as "EU868".
func LoadRegion(name string) (*Region, error) {
	b, err := loraband.GetConfig(loraband.Name(name), false, brocaar.DwellTimeNoLimit)
	if err != nil {
		return nil, fmt.Errorf("get band config: %w", err)
	}

	defaults := b.GetDefaults()
	r := &Region{
		Name:             name,
		DataRates:        make(map[int]DataRate),
		MaxTXPowerIndex:  7,
		RX2Frequency:     uint32(defaults.RX2Frequency),
		RX2DataRate:      defaults.RX2DataRate,
		JoinAcceptDelay1: defaults.JoinAcceptDelay1,
		JoinAcceptDelay2: defaults.JoinAcceptDelay2,
		band:             b,
	}

	for i := 0; i < maxDataRates; i++ {
		dr, err := b.GetDataRate(i)
		if err != nil {
			continue
		}
		r.DataRates[i] = DataRate{
			SpreadFactor: dr.SpreadFactor,
			Bandwidth:    dr.Bandwidth,
			BitRate:      dr.BitRate,
		}
	}

	for _, i := range b.GetStandardUplinkChannelIndices() {
		c, err := b.GetUplinkChannel(i)
		if err != nil {
			return nil, fmt.Errorf("get uplink channel %d: %w", i, err)
		}
		r.Channels = append(r.Channels, Channel{
			Frequency: uint32(c.Frequency),
			MinDR:     c.MinDR,
			MaxDR:     c.MaxDR,
		})
	}
	if len(r.Channels) == 0 {
		return nil, fmt.Errorf("band %s has no uplink channels", name)
	}

	if lim, ok := regionLimits[name]; ok {
		r.minFrequency, r.maxFrequency = lim.min, lim.max
		r.MaxTXPowerIndex = lim.maxTXPower
	}

	return r, nil
}

// DataRate returns the data rate for index dr.
func (r *Region) DataRate(dr int) (DataRate, error) {
	d, ok := r.DataRates[dr]
	if !ok {
		return DataRate{}, fmt.Errorf("invalid data rate %d for %s", dr, r.Name)
	}
	return d, nil
}

// UplinkDataRates returns the valid DR indices in ascending order.
func (r *Region) UplinkDataRates() []int {
	out := make([]int, 0, len(r.DataRates))
	for i := range r.DataRates {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// DataRateIndex maps a LoRa spreading factor and bandwidth back to a DR.
func (r *Region) DataRateIndex(sf, bw int) (int, error) {
	for _, i := range r.UplinkDataRates() {
		d := r.DataRates[i]
		if d.SpreadFactor == sf && d.Bandwidth == bw {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no data rate SF%dBW%d in %s", sf, bw, r.Name)
}

// FSKDataRateIndex maps an FSK bit rate back to a DR.
func (r *Region) FSKDataRateIndex(bitRate int) (int, error) {
	for _, i := range r.UplinkDataRates() {
		d := r.DataRates[i]
		if !d.IsLoRa() && d.BitRate == bitRate {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no FSK data rate of %d bit/s in %s", bitRate, r.Name)
}

// ValidFrequency reports whether freq (Hz) lies inside the band. Unknown
// bands accept any frequency.
func (r *Region) ValidFrequency(freq uint32) bool {
	if r.maxFrequency == 0 {
		return freq != 0
	}
	return freq >= r.minFrequency && freq <= r.maxFrequency
}

// MaxPayloadSize returns the largest application payload (N) for a DR.
func (r *Region) MaxPayloadSize(dr int) (int, error) {
	ps, err := r.band.GetMaxPayloadSizeForDataRateIndex("", "", dr)
	if err != nil {
		return 0, fmt.Errorf("get max payload size: %w", err)
	}
	return ps.N, nil
}
