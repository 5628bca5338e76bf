package enums

import "fmt"

// DeliveryMode controls how notifications of a given type reach the user.
type DeliveryMode string

const (
	DeliveryModeInstant DeliveryMode = "instant"
	DeliveryModeBatched DeliveryMode = "batched"
	DeliveryModeDigest  DeliveryMode = "digest"
)

var validDeliveryModes = []DeliveryMode{
	DeliveryModeInstant,
	DeliveryModeBatched,
	DeliveryModeDigest,
}

func (d DeliveryMode) IsValid() bool {
	for _, candidate := range validDeliveryModes {
		if candidate == d {
			return true
		}
	}
	return false
}

// ParseDeliveryMode converts raw strings into DeliveryMode.
func ParseDeliveryMode(value string) (DeliveryMode, error) {
	for _, candidate := range validDeliveryModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery mode %q", value)
}
