package colorimeter

// RangeNarrowing shrinks the spectral range by Step at each end and measures
// again when the instrument reports one of Codes.  Some spectroradiometer
// firmware rejects ranges it claims to support.
type RangeNarrowing struct {
	Codes      []int   `json:"codes" yaml:"codes" koanf:"codes"`
	Step       float64 `json:"step" yaml:"step" koanf:"step"`
	MaxRetries int     `json:"maxRetries" yaml:"maxRetries" koanf:"maxRetries"`
}

// Applies is true if code is one of r.Codes and narrowing is enabled
func (r RangeNarrowing) Applies(code int) bool {
	if r.MaxRetries <= 0 || r.Step <= 0 {
		return false
	}
	for _, c := range r.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// Policies are the bounded automatic retries used by the measurement state
// machine.  Each family supplies defaults; callers may override them.
type Policies struct {
	RangeNarrowing RangeNarrowing `json:"rangeNarrowing" yaml:"rangeNarrowing" koanf:"rangeNarrowing"`

	// MisreadRetries is how many times a Misread measurement is repeated
	MisreadRetries int `json:"misreadRetries" yaml:"misreadRetries" koanf:"misreadRetries"`

	// SpectralFetchRetries is how many times a corrupt spectrum is fetched
	// again, without measuring again
	SpectralFetchRetries int `json:"spectralFetchRetries" yaml:"spectralFetchRetries" koanf:"spectralFetchRetries"`
}
