package domain

// Status represents the lifecycle status of a payment
type Status string

const (
	StatusPending           Status = "PENDING"
	StatusWaitingForCapture Status = "WAITING_FOR_CAPTURE"
	StatusSucceeded         Status = "SUCCEEDED"
	StatusCanceled          Status = "CANCELED"
	StatusFailed            Status = "FAILED"
	StatusRefunded          Status = "REFUNDED"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusWaitingForCapture, StatusSucceeded,
		StatusCanceled, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// CanTransitionTo reports whether the transition s -> target is legal.
// SUCCEEDED may only move to REFUNDED (via the refund path); CANCELED,
// FAILED and REFUNDED are strictly terminal.
func (s Status) CanTransitionTo(target Status) bool {
	switch s {
	case StatusPending:
		switch target {
		case StatusWaitingForCapture, StatusSucceeded, StatusFailed, StatusCanceled:
			return true
		}
	case StatusWaitingForCapture:
		switch target {
		case StatusSucceeded, StatusFailed, StatusCanceled:
			return true
		}
	case StatusSucceeded:
		return target == StatusRefunded
	}
	return false
}

// IsTerminal reports whether no further transitions are possible from s,
// other than the refund path out of SUCCEEDED.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusCanceled, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// IsSucceeded reports whether the payment has succeeded
func (s Status) IsSucceeded() bool {
	return s == StatusSucceeded
}

// Method represents how the payer settled, as reported by the gateway
type Method string

const (
	MethodBankCard Method = "bank_card"
	MethodSBP      Method = "sbp"
	MethodYooMoney Method = "yoo_money"
	MethodSberbank Method = "sberbank"
)

// Valid reports whether m is a known payment method
func (m Method) Valid() bool {
	switch m {
	case MethodBankCard, MethodSBP, MethodYooMoney, MethodSberbank:
		return true
	}
	return false
}
