package queue

// Tracker maintains the aggregate counters with whole-document
// read-modify-write. Callers must hold the same guard used for queue writes.
type Tracker struct {
	store *Store
}

func NewTracker(store *Store) *Tracker {
	return &Tracker{store: store}
}

func (t *Tracker) IncrementCaptured() Stats {
	st := t.store.GetStats()
	st.TotalCaptured++
	return t.store.SetStats(st)
}

func (t *Tracker) IncrementUploaded() Stats {
	st := t.store.GetStats()
	st.TotalUploaded++
	return t.store.SetStats(st)
}

// Reconcile raises TotalCaptured to TotalUploaded when the pair is
// inconsistent. It writes only when a correction is needed.
func (t *Tracker) Reconcile() Stats {
	st := t.store.GetStats()
	if st.TotalUploaded <= st.TotalCaptured {
		return st
	}
	t.store.logger.Warn("reconciling upload stats",
		"total_captured", st.TotalCaptured, "total_uploaded", st.TotalUploaded)
	st.TotalCaptured = st.TotalUploaded
	return t.store.SetStats(st)
}

// Get returns the current counters, reconciling them first if needed.
func (t *Tracker) Get() Stats {
	return t.Reconcile()
}
