package x402

import "fmt"

// ValidatePaymentPayload checks the version-independent shape of a payload
// before it is routed to a scheme handler.
func ValidatePaymentPayload(payload PaymentPayload) error {
	switch payload.X402Version {
	case X402Version1:
		if payload.Scheme == "" {
			return fmt.Errorf("v1 payload missing scheme")
		}
		if payload.Network == "" {
			return fmt.Errorf("v1 payload missing network")
		}
	case X402Version2:
		if payload.Accepted == nil {
			return fmt.Errorf("v2 payload missing accepted requirements")
		}
		if err := ValidatePaymentRequirements(*payload.Accepted); err != nil {
			return fmt.Errorf("v2 payload accepted: %w", err)
		}
	default:
		return fmt.Errorf("unsupported x402Version %d", payload.X402Version)
	}
	if len(payload.Payload) == 0 {
		return fmt.Errorf("payload missing scheme payload")
	}
	return nil
}

// ValidatePaymentRequirements checks the fields every scheme relies on.
func ValidatePaymentRequirements(r PaymentRequirements) error {
	if r.Scheme == "" {
		return fmt.Errorf("requirements missing scheme")
	}
	if r.Network == "" {
		return fmt.Errorf("requirements missing network")
	}
	if _, err := ParseNetwork(string(r.Network)); err != nil {
		return err
	}
	if r.PayTo == "" {
		return fmt.Errorf("requirements missing payTo")
	}
	if r.EffectiveAmount() == "" {
		return fmt.Errorf("requirements missing amount")
	}
	return nil
}
