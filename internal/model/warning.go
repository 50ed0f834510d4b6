package model

import (
	"database/sql/driver"
	"fmt"

	"github.com/rotisserie/eris"
)

// WarningLevel is the tri-state flood-risk indicator. The zero value is green.
type WarningLevel int

const (
	WarningGreen WarningLevel = iota
	WarningOrange
	WarningRed
)

// AllWarningLevels lists levels in ascending order.
var AllWarningLevels = []WarningLevel{WarningGreen, WarningOrange, WarningRed}

func (l WarningLevel) String() string {
	switch l {
	case WarningGreen:
		return "green"
	case WarningOrange:
		return "orange"
	case WarningRed:
		return "red"
	default:
		return fmt.Sprintf("WarningLevel(%d)", int(l))
	}
}

// ParseWarningLevel converts the stored text form back into a WarningLevel.
func ParseWarningLevel(s string) (WarningLevel, error) {
	switch s {
	case "green", "":
		return WarningGreen, nil
	case "orange":
		return WarningOrange, nil
	case "red":
		return WarningRed, nil
	default:
		return WarningGreen, eris.Errorf("model: unknown warning level %q", s)
	}
}

// MaxWarning returns the more severe of a and b.
func MaxWarning(a, b WarningLevel) WarningLevel {
	if a > b {
		return a
	}
	return b
}

// MarshalText implements encoding.TextMarshaler so levels serialize as
// "green", "orange", "red" in JSON and YAML.
func (l WarningLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *WarningLevel) UnmarshalText(b []byte) error {
	v, err := ParseWarningLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Value implements driver.Valuer; levels are stored as text.
func (l WarningLevel) Value() (driver.Value, error) {
	return l.String(), nil
}

// Scan implements sql.Scanner.
func (l *WarningLevel) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return l.UnmarshalText([]byte(v))
	case []byte:
		return l.UnmarshalText(v)
	case nil:
		*l = WarningGreen
		return nil
	default:
		return eris.Errorf("model: cannot scan %T into WarningLevel", src)
	}
}
