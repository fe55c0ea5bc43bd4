package config

import (
	"encoding/json"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Duration is a time.Duration that marshals to and from the string form
// understood by time.ParseDuration ("30s", "20m", "1h"), so config files stay
// human-editable.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return pkgerrors.Wrap(err, "duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to parse duration %q", s)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}
