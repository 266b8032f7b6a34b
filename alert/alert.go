package alert

//Alert pushes an operator-facing notification. Implementations must be safe
//for concurrent use; delivery is best effort.
type Alert interface {
	PushNotify(msg string) error
}
