package coordinator

// Phase is the position of the current turn in its lifecycle.
type Phase int32

const (
	Idle Phase = iota
	AwaitingCreditCheck
	Streaming
	Finalizing
	Aborted
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case AwaitingCreditCheck:
		return "awaiting_credit_check"
	case Streaming:
		return "streaming"
	case Finalizing:
		return "finalizing"
	case Aborted:
		return "aborted"
	default:
		return "unknown"
	}
}
