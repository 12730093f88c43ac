// Package store holds the in-memory model of every known conversation:
// list-view summaries and per-room message sequences.
//
// All mutations go through a Tx inside Apply so that logically paired
// changes (append + unread reset, for example) are never observable half
// done by a concurrent reader taking a snapshot.
package store

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// Store is the authoritative conversation state. Safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	// order is the list-view order of room ids.
	order     []string
	summaries map[string]*models.ConversationSummary
	messages  map[string][]models.Message

	hasNext    bool
	nextCursor string
}

// New returns an empty store.
func New() *Store {
	return &Store{
		summaries: make(map[string]*models.ConversationSummary),
		messages:  make(map[string][]models.Message),
	}
}

// Tx is a mutation handle valid only inside Apply.
type Tx struct {
	s *Store
}

// Apply runs fn with exclusive access to the store.
func (s *Store) Apply(fn func(tx *Tx)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fn(&Tx{s: s})
}

// --- Snapshots ---

// Summaries returns a copy of all summaries in list order.
func (s *Store) Summaries() []models.ConversationSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.ConversationSummary, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.summaries[id])
	}

	return out
}

// Summary returns a copy of one room's summary.
func (s *Store) Summary(roomID string) (models.ConversationSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum, ok := s.summaries[roomID]
	if !ok {
		return models.ConversationSummary{}, false
	}

	return *sum, true
}

// Messages returns a copy of the room's messages in ascending SentAt order.
func (s *Store) Messages(roomID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.messages[roomID])
}

// Cursor returns the room-list pagination state from the last page merged.
func (s *Store) Cursor() (hasNext bool, next string) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.hasNext, s.nextCursor
}

// --- Summaries ---

// LoadSummaries merges one fetched page of the room list. A first page
// (cursor == "") sets the list order to the server order; rooms known
// only locally (synthesized from pushes) follow it. Later pages append
// rooms not already listed. A summary whose live data is newer than the
// fetched copy keeps its preview, timestamp and unread count.
func (s *Store) LoadSummaries(cursor string, page models.RoomPage) []models.ConversationSummary {
	s.Apply(func(tx *Tx) {
		tx.LoadSummaries(cursor, page)
	})

	return s.Summaries()
}

// LoadSummaries is the transactional form of Store.LoadSummaries.
func (tx *Tx) LoadSummaries(cursor string, page models.RoomPage) {
	s := tx.s

	fetchedOrder := make([]string, 0, len(page.Rooms))
	seen := make(map[string]struct{}, len(page.Rooms))

	for _, room := range page.Rooms {
		if room.ID == "" {
			continue
		}

		if _, dup := seen[room.ID]; dup {
			continue
		}

		seen[room.ID] = struct{}{}
		fetchedOrder = append(fetchedOrder, room.ID)

		existing, ok := s.summaries[room.ID]
		if !ok {
			r := room
			if r.UnreadCount < 0 {
				r.UnreadCount = 0
			}

			s.summaries[room.ID] = &r

			continue
		}

		if room.DisplayName != "" {
			existing.DisplayName = room.DisplayName
		}

		if existing.LastMessageAt.After(room.LastMessageAt) {
			continue
		}

		existing.LastMessagePreview = room.LastMessagePreview
		existing.LastMessageAt = room.LastMessageAt
		existing.UnreadCount = max(room.UnreadCount, 0)
	}

	if cursor == "" {
		rest := make([]string, 0, len(s.order))
		for _, id := range s.order {
			if _, ok := seen[id]; !ok {
				rest = append(rest, id)
			}
		}

		s.order = append(fetchedOrder, rest...)
	} else {
		listed := make(map[string]struct{}, len(s.order))
		for _, id := range s.order {
			listed[id] = struct{}{}
		}

		for _, id := range fetchedOrder {
			if _, ok := listed[id]; !ok {
				s.order = append(s.order, id)
			}
		}
	}

	s.hasNext = page.HasNext
	s.nextCursor = page.NextCursor
}

// EnsureSummary returns the room's summary, synthesizing a placeholder
// at the front of the list when the room is unknown. The bool reports
// whether a placeholder was created.
func (tx *Tx) EnsureSummary(roomID string) (*models.ConversationSummary, bool) {
	s := tx.s
	if sum, ok := s.summaries[roomID]; ok {
		return sum, false
	}

	sum := &models.ConversationSummary{ID: roomID, DisplayName: roomID}
	s.summaries[roomID] = sum
	s.order = append([]string{roomID}, s.order...)

	return sum, true
}

// Touch records a new last message for the room and moves it to the
// front of the list.
func (tx *Tx) Touch(roomID, preview string, at time.Time) {
	sum, _ := tx.EnsureSummary(roomID)
	if at.Before(sum.LastMessageAt) {
		return
	}

	sum.LastMessagePreview = preview
	sum.LastMessageAt = at
	tx.moveToFront(roomID)
}

func (tx *Tx) moveToFront(roomID string) {
	s := tx.s

	idx := slices.Index(s.order, roomID)
	if idx <= 0 {
		return
	}

	copy(s.order[1:idx+1], s.order[:idx])
	s.order[0] = roomID
}

// IncrementUnread adds one to the room's unread count.
func (tx *Tx) IncrementUnread(roomID string) int {
	sum, _ := tx.EnsureSummary(roomID)
	sum.UnreadCount++

	return sum.UnreadCount
}

// ResetUnread sets the room's unread count to zero.
func (tx *Tx) ResetUnread(roomID string) {
	if sum, ok := tx.s.summaries[roomID]; ok {
		sum.UnreadCount = 0
	}
}

// Delete removes the room's summary and messages.
func (tx *Tx) Delete(roomID string) bool {
	s := tx.s
	if _, ok := s.summaries[roomID]; !ok {
		delete(s.messages, roomID)
		return false
	}

	delete(s.summaries, roomID)
	delete(s.messages, roomID)
	s.order = slices.DeleteFunc(s.order, func(id string) bool { return id == roomID })

	return true
}

// IncrementUnread adds one to the room's unread count.
func (s *Store) IncrementUnread(roomID string) int {
	var n int

	s.Apply(func(tx *Tx) { n = tx.IncrementUnread(roomID) })

	return n
}

// ResetUnread sets the room's unread count to zero.
func (s *Store) ResetUnread(roomID string) {
	s.Apply(func(tx *Tx) { tx.ResetUnread(roomID) })
}

// DeleteConversation removes the room and its messages.
func (s *Store) DeleteConversation(roomID string) bool {
	var ok bool

	s.Apply(func(tx *Tx) { ok = tx.Delete(roomID) })

	return ok
}

// --- Messages ---

// AppendMessage inserts msg keeping the room sorted by SentAt. A message
// whose id key is already present replaces that entry instead of adding
// a second one. Returns true when the conversation grew.
func (s *Store) AppendMessage(roomID string, msg models.Message) bool {
	var inserted bool

	s.Apply(func(tx *Tx) { inserted = tx.AppendMessage(roomID, msg) })

	return inserted
}

// AppendMessage is the transactional form of Store.AppendMessage.
func (tx *Tx) AppendMessage(roomID string, msg models.Message) bool {
	msg.RoomID = roomID
	msgs := tx.s.messages[roomID]

	key := msg.ID.Key()
	if idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID.Key() == key }); idx >= 0 {
		if msg.ID.LocalID == "" {
			msg.ID.LocalID = msgs[idx].ID.LocalID
		}

		tx.s.messages[roomID] = replaceAt(msgs, idx, msg)

		return false
	}

	tx.s.messages[roomID] = insertSorted(msgs, msg)

	return true
}

// LoadHistory merges fetched history into whatever is buffered for the
// room (pushes that arrived before the fetch resolved, optimistic sends).
// The union is sorted by SentAt and deduplicated by id key; for a key
// present on both sides the fetched copy wins. A fetched message carrying
// the client id of a buffered provisional message confirms it; a self
// message without one confirms the oldest pending or failed provisional
// entry with the same text sent within tolerance.
func (s *Store) LoadHistory(roomID string, fetched []models.Message, tolerance time.Duration) []models.Message {
	s.Apply(func(tx *Tx) { tx.LoadHistory(roomID, fetched, tolerance) })

	return s.Messages(roomID)
}

// LoadHistory is the transactional form of Store.LoadHistory.
func (tx *Tx) LoadHistory(roomID string, fetched []models.Message, tolerance time.Duration) {
	merged := slices.Clone(tx.s.messages[roomID])

	index := make(map[string]int, len(merged))
	localIndex := make(map[string]int, len(merged))

	for i, m := range merged {
		index[m.ID.Key()] = i
		if m.ID.LocalID != "" {
			localIndex[m.ID.LocalID] = i
		}
	}

	for _, m := range fetched {
		m.RoomID = roomID

		if i, ok := index[m.ID.Key()]; ok {
			if m.ID.LocalID == "" {
				m.ID.LocalID = merged[i].ID.LocalID
			}

			merged[i] = m

			continue
		}

		i, ok := -1, false
		if m.ID.LocalID != "" {
			i, ok = localIndex[m.ID.LocalID]
		} else if m.Sender == models.SenderSelf {
			i = fallbackMatch(merged, m, tolerance)
			ok = i >= 0
		}

		if ok {
			delete(index, merged[i].ID.Key())
			m.ID.LocalID = merged[i].ID.LocalID
			m.Delivery = models.DeliveryConfirmed
			merged[i] = m
			index[m.ID.Key()] = i

			continue
		}

		index[m.ID.Key()] = len(merged)
		merged = append(merged, m)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].SentAt.Before(merged[j].SentAt)
	})

	tx.s.messages[roomID] = merged

	if n := len(merged); n > 0 {
		last := merged[n-1]
		if sum, ok := tx.s.summaries[roomID]; ok && last.SentAt.After(sum.LastMessageAt) {
			sum.LastMessagePreview = last.Text
			sum.LastMessageAt = last.SentAt
		}
	}
}

// SetDelivery updates the delivery state of the provisional message with
// the given local id. Returns false if no such message exists.
func (s *Store) SetDelivery(roomID, localID string, state models.DeliveryState) bool {
	var ok bool

	s.Apply(func(tx *Tx) { ok = tx.SetDelivery(roomID, localID, state) })

	return ok
}

// SetDelivery is the transactional form of Store.SetDelivery.
func (tx *Tx) SetDelivery(roomID, localID string, state models.DeliveryState) bool {
	msgs := tx.s.messages[roomID]
	for i := range msgs {
		if msgs[i].ID.LocalID == localID {
			msgs[i].Delivery = state
			return true
		}
	}

	return false
}

// Resend marks a failed provisional message pending again and restamps it
// with the time of the new attempt, so an echo of the resend matches it
// by text and time.
func (tx *Tx) Resend(roomID, localID string, at time.Time) (models.Message, bool) {
	msgs := tx.s.messages[roomID]

	idx := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID.LocalID == localID })
	if idx < 0 {
		return models.Message{}, false
	}

	m := msgs[idx]
	m.Delivery = models.DeliveryPending
	m.SentAt = at

	tx.s.messages[roomID] = replaceAt(msgs, idx, m)
	tx.Touch(roomID, m.Text, at)

	return m, true
}

// FindLocal returns the message with the given client id.
func (tx *Tx) FindLocal(roomID, localID string) (models.Message, bool) {
	for _, m := range tx.s.messages[roomID] {
		if m.ID.LocalID == localID {
			return m, true
		}
	}

	return models.Message{}, false
}

// Reconcile folds a self-sent server echo into the conversation. Matching
// order: an entry already holding the echo's server id, then the
// provisional entry with the echo's client id, then the oldest pending or
// failed provisional self message with the same normalized text sent
// within tolerance of the echo. When the server id matches an entry that
// has no client id and a provisional entry also matches, the provisional
// entry is merged into it. The matched entry becomes confirmed and is
// returned. Returns false when nothing matched; the caller appends the
// echo as a new message.
func (tx *Tx) Reconcile(roomID string, echo models.Message, tolerance time.Duration) (models.Message, bool) {
	msgs := tx.s.messages[roomID]

	idx := -1

	if echo.ID.ServerID != "" {
		key := models.Confirmed(echo.ID.ServerID).Key()
		idx = slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID.Key() == key })
	}

	prov := -1

	if echo.ID.LocalID != "" {
		prov = slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID.LocalID == echo.ID.LocalID })
	}

	if prov < 0 && (idx < 0 || msgs[idx].ID.LocalID == "") {
		prov = fallbackMatch(msgs, echo, tolerance)
	}

	switch {
	case idx < 0:
		idx = prov
	case prov >= 0 && prov != idx && msgs[idx].ID.LocalID == "" && msgs[prov].ID.IsProvisional():
		localID := msgs[prov].ID.LocalID

		msgs = slices.Delete(msgs, prov, prov+1)
		if prov < idx {
			idx--
		}

		msgs[idx].ID.LocalID = localID
	}

	if idx < 0 {
		return models.Message{}, false
	}

	confirmed := echo
	confirmed.RoomID = roomID
	confirmed.ID = models.MessageID{
		Kind:     models.IDConfirmed,
		LocalID:  msgs[idx].ID.LocalID,
		ServerID: echo.ID.ServerID,
	}
	confirmed.Delivery = models.DeliveryConfirmed

	if confirmed.ID.ServerID == "" {
		// Echo without a server id keeps the provisional identity.
		confirmed.ID = msgs[idx].ID
	}

	if confirmed.SentAt.IsZero() {
		confirmed.SentAt = msgs[idx].SentAt
	}

	tx.s.messages[roomID] = replaceAt(msgs, idx, confirmed)

	return confirmed, true
}

func fallbackMatch(msgs []models.Message, echo models.Message, tolerance time.Duration) int {
	text := norm.NFC.String(echo.Text)

	for i, m := range msgs {
		if m.Sender != models.SenderSelf || !m.ID.IsProvisional() {
			continue
		}

		if m.Delivery != models.DeliveryPending && m.Delivery != models.DeliveryFailed {
			continue
		}

		if norm.NFC.String(m.Text) != text {
			continue
		}

		delta := echo.SentAt.Sub(m.SentAt)
		if delta < 0 {
			delta = -delta
		}

		if delta <= tolerance {
			return i
		}
	}

	return -1
}

// insertSorted places msg after every entry with SentAt <= msg.SentAt so
// equal timestamps keep arrival order.
func insertSorted(msgs []models.Message, msg models.Message) []models.Message {
	pos := sort.Search(len(msgs), func(i int) bool {
		return msgs[i].SentAt.After(msg.SentAt)
	})

	return slices.Insert(msgs, pos, msg)
}

// replaceAt swaps the entry at idx for msg, re-positioning it if its
// SentAt changed.
func replaceAt(msgs []models.Message, idx int, msg models.Message) []models.Message {
	if msgs[idx].SentAt.Equal(msg.SentAt) {
		msgs[idx] = msg
		return msgs
	}

	msgs = slices.Delete(msgs, idx, idx+1)

	return insertSorted(msgs, msg)
}
