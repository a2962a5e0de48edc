package colorimeter

import "fmt"

// The enumerations travel as words in JSON and YAML.

// MarshalText implements encoding.TextMarshaler
func (m Mode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (c CalType) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (c *CalType) UnmarshalText(b []byte) error {
	v, err := ParseCalType(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (t Trigger) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Trigger) UnmarshalText(b []byte) error {
	v, err := ParseTrigger(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (c Condition) MarshalText() ([]byte, error) { return []byte(c.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (c *Condition) UnmarshalText(b []byte) error {
	v, err := ParseCondition(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (s CalState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *CalState) UnmarshalText(b []byte) error {
	for v := CalIdle; v <= CalDone; v++ {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	if len(b) == 0 {
		*s = CalIdle
		return nil
	}
	return fmt.Errorf("unknown calibration state %q", b)
}

// MarshalText implements encoding.TextMarshaler
func (d Diffuser) MarshalText() ([]byte, error) { return []byte(d.String()), nil }
