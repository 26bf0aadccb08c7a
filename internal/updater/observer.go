package updater

// Observer receives progress of update checks and updates. Implementations
// must be safe for concurrent use: OnProgress is called from a background
// goroutine while payloads download.
type Observer interface {
	OnProgress(bytesDone, bytesTotal int64)
	OnStatus(message string)
	OnError(err error)
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) OnProgress(int64, int64) {}
func (NopObserver) OnStatus(string)         {}
func (NopObserver) OnError(error)           {}

func orNop(obs Observer) Observer {
	if obs == nil {
		return NopObserver{}
	}
	return obs
}
