package registry

// Handler is notified synchronously after the store commits a change.
// Implementations must not call back into the Store.
type Handler interface {
	ModuleUpdated(info ModuleInfo, slot PendingSlot)
	ValidityChanged(info ModuleInfo)
}

// NopHandler ignores every notification.
type NopHandler struct{}

func (NopHandler) ModuleUpdated(ModuleInfo, PendingSlot) {}
func (NopHandler) ValidityChanged(ModuleInfo)            {}
