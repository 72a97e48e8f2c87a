// Package channel decides the fate of each simulated transmission: whether
// it is delivered, delayed, duplicated or lost, and with what signal quality.
package channel

import (
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Direction of a transmission.
type Direction int

const (
	Uplink Direction = iota
	Downlink
)

func (d Direction) String() string {
	if d == Downlink {
		return "downlink"
	}
	return "uplink"
}

// Kind is the delivery outcome of a transmission.
type Kind int

const (
	Delivered Kind = iota
	Delayed
	Dropped
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Delayed:
		return "delayed"
	case Dropped:
		return "dropped"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Quality is the received signal quality of one copy of a frame.
type Quality struct {
	RSSI float64
	SNR  float64
}

// Outcome of Impair. Duplicate is set when the frame arrives twice; the
// copy has its own quality.
type Outcome struct {
	Kind      Kind
	Quality   Quality
	Delay     time.Duration
	Duplicate *Outcome
}

// Frame is the metadata the channel needs. Frame bytes are never inspected.
type Frame struct {
	Direction Direction
	DataRate  int
	Frequency uint32
	TXPower   float64
}

// Environment selects the path-loss exponent.
type Environment string

const (
	Urban    Environment = "urban"
	Suburban Environment = "suburban"
	Rural    Environment = "rural"
)

var pathLossExponent = map[Environment]float64{
	Urban:    3.5,
	Suburban: 3.0,
	Rural:    2.5,
}

// referenceLoss is the path loss at 1 m around 868 MHz, in dB.
const referenceLoss = 31.2

// Config holds the channel parameters. Probabilities are in [0, 1].
type Config struct {
	LossProbability      float64
	DuplicateProbability float64
	DelayProbability     float64
	DelayMin             time.Duration
	DelayMax             time.Duration

	RSSIMean  float64
	RSSISigma float64
	SNRMean   float64
	SNRSigma  float64
	// SNRByDataRate overrides SNRMean for specific data rates.
	SNRByDataRate map[int]float64

	// Distance in metres. When set, the mean RSSI follows a log-distance
	// path-loss model from the frame TX power instead of RSSIMean.
	Distance    float64
	Environment Environment

	Seed uint64
}

// DefaultConfig returns a lossless channel with the signal quality values
// a gateway next to the device would report.
func DefaultConfig() Config {
	return Config{
		RSSIMean:    -42,
		RSSISigma:   2,
		SNRMean:     5.5,
		SNRSigma:    1,
		Environment: Urban,
	}
}

// Simulator applies the configured impairments. It is safe for concurrent
// use.
type Simulator struct {
	cfg Config

	mu        sync.Mutex
	src       rand.Source
	loss      distuv.Bernoulli
	duplicate distuv.Bernoulli
	delay     distuv.Bernoulli
	delayTime distuv.Uniform
	noise     distuv.Normal
}

// New validates cfg and returns a simulator. A zero seed is replaced by the
// current time.
func New(cfg Config) (*Simulator, error) {
	for name, p := range map[string]float64{
		"loss":      cfg.LossProbability,
		"duplicate": cfg.DuplicateProbability,
		"delay":     cfg.DelayProbability,
	} {
		if p < 0 || p > 1 {
			return nil, fmt.Errorf("%s probability %v is outside [0, 1]", name, p)
		}
	}
	if cfg.DelayMax < cfg.DelayMin {
		return nil, fmt.Errorf("delay max %s is below delay min %s", cfg.DelayMax, cfg.DelayMin)
	}
	if cfg.RSSISigma < 0 || cfg.SNRSigma < 0 {
		return nil, fmt.Errorf("signal sigma must not be negative")
	}
	if cfg.Environment == "" {
		cfg.Environment = Urban
	}
	if _, ok := pathLossExponent[cfg.Environment]; !ok {
		return nil, fmt.Errorf("unknown environment %q", cfg.Environment)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	src := rand.NewSource(seed)

	return &Simulator{
		cfg:       cfg,
		src:       src,
		loss:      distuv.Bernoulli{P: cfg.LossProbability, Src: src},
		duplicate: distuv.Bernoulli{P: cfg.DuplicateProbability, Src: src},
		delay:     distuv.Bernoulli{P: cfg.DelayProbability, Src: src},
		delayTime: distuv.Uniform{Min: float64(cfg.DelayMin), Max: float64(cfg.DelayMax), Src: src},
		noise:     distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}, nil
}

// Impair draws the outcome of one transmission.
func (s *Simulator) Impair(f Frame) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loss.Rand() == 1 {
		return Outcome{Kind: Dropped}
	}

	out := s.deliver(f)
	if s.duplicate.Rand() == 1 {
		dup := s.deliver(f)
		out.Duplicate = &dup
	}
	return out
}

func (s *Simulator) deliver(f Frame) Outcome {
	out := Outcome{Kind: Delivered, Quality: s.quality(f)}
	if s.delay.Rand() == 1 {
		out.Kind = Delayed
		out.Delay = time.Duration(s.delayTime.Rand())
	}
	return out
}

func (s *Simulator) quality(f Frame) Quality {
	snrMean := s.cfg.SNRMean
	if m, ok := s.cfg.SNRByDataRate[f.DataRate]; ok {
		snrMean = m
	}
	return Quality{
		RSSI: round1(s.MeanRSSI(f) + s.cfg.RSSISigma*s.noise.Rand()),
		SNR:  round1(snrMean + s.cfg.SNRSigma*s.noise.Rand()),
	}
}

// MeanRSSI returns the expected RSSI of a frame, in dBm.
func (s *Simulator) MeanRSSI(f Frame) float64 {
	if s.cfg.Distance <= 0 {
		return s.cfg.RSSIMean
	}
	n := pathLossExponent[s.cfg.Environment]
	return f.TXPower - referenceLoss - 10*n*math.Log10(s.cfg.Distance)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
