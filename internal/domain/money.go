package domain

// Money is an amount in minor units plus its ISO-4217 currency code.
type Money struct {
	Amount   int64
	Currency string
}

func NewMoney(amount int64, currency string) (Money, error) {
	m := Money{Amount: amount, Currency: currency}
	if err := m.Validate(); err != nil {
		return Money{}, err
	}
	return m, nil
}

func (m Money) Validate() error {
	if m.Amount <= 0 {
		return NewValidationError("amount must be positive")
	}
	if len(m.Currency) != 3 {
		return NewValidationError("currency must be a 3-letter ISO-4217 code")
	}
	return nil
}

// Equals requires both amount and currency to match.
func (m Money) Equals(other Money) bool {
	return m.Amount == other.Amount && m.Currency == other.Currency
}
