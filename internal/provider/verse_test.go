package provider

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/wikisubmission/ws-push-service/internal/db"
	"github.com/wikisubmission/ws-push-service/internal/notify"
)

type mockQueueStore struct {
	created []*db.QueuedDelivery
	latest  map[string]*db.QueuedDelivery
	failure error
}

func newMockQueueStore() *mockQueueStore {
	return &mockQueueStore{latest: make(map[string]*db.QueuedDelivery)}
}

func (m *mockQueueStore) CreateDelivery(ctx context.Context, d *db.QueuedDelivery) error {
	if m.failure != nil {
		return m.failure
	}
	m.created = append(m.created, d)
	return nil
}

func (m *mockQueueStore) LatestDelivery(ctx context.Context, deviceToken, category string, statuses []string) (*db.QueuedDelivery, error) {
	if m.failure != nil {
		return nil, m.failure
	}
	d, ok := m.latest[deviceToken+"/"+category]
	if !ok {
		return nil, nil
	}
	for _, s := range statuses {
		if d.Status == s {
			return d, nil
		}
	}
	return nil, nil
}

func (m *mockQueueStore) setLatest(deviceToken, category string, d *db.QueuedDelivery) {
	m.latest[deviceToken+"/"+category] = d
}

type mockRecipientStore struct {
	recipients    map[string]*db.Recipient
	registrations map[string]*db.PrayerTimesRegistration
	verseEnabled  map[string]bool
	listErr       error
}

func newMockRecipientStore() *mockRecipientStore {
	return &mockRecipientStore{
		recipients:    make(map[string]*db.Recipient),
		registrations: make(map[string]*db.PrayerTimesRegistration),
		verseEnabled:  make(map[string]bool),
	}
}

func (m *mockRecipientStore) GetRecipient(ctx context.Context, deviceToken string) (*db.Recipient, error) {
	return m.recipients[deviceToken], nil
}

func (m *mockRecipientStore) GetPrayerRegistration(ctx context.Context, deviceToken string) (*db.PrayerTimesRegistration, error) {
	return m.registrations[deviceToken], nil
}

func (m *mockRecipientStore) ListPrayerRecipients(ctx context.Context) ([]*db.PrayerRecipient, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*db.PrayerRecipient
	for token, r := range m.recipients {
		reg := m.registrations[token]
		if reg == nil || !r.Enabled || !reg.Enabled || reg.Location == "" {
			continue
		}
		out = append(out, &db.PrayerRecipient{Recipient: *r, Registration: *reg})
	}
	return out, nil
}

func (m *mockRecipientStore) ListVerseRecipients(ctx context.Context, category string) ([]*db.Recipient, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*db.Recipient
	for token, r := range m.recipients {
		if r.Enabled && m.verseEnabled[token+"/"+category] {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockRecipientStore) VerseRegistrationEnabled(ctx context.Context, deviceToken, category string) (bool, error) {
	return m.verseEnabled[deviceToken+"/"+category], nil
}

func (m *mockRecipientStore) addVerseRecipient(deviceToken, category string) {
	m.recipients[deviceToken] = &db.Recipient{DeviceToken: deviceToken, Enabled: true}
	m.verseEnabled[deviceToken+"/"+category] = true
}

type mockVerseSource struct {
	verse *db.Verse
	err   error
	calls int
}

func (m *mockVerseSource) RandomVerse(ctx context.Context) (*db.Verse, error) {
	m.calls++
	return m.verse, m.err
}

func testVerse() *db.Verse {
	return &db.Verse{
		VerseID:       "1:1",
		ChapterNumber: 1,
		VerseNumber:   1,
		ChapterTitle:  "The Key",
		TextEnglish:   "In the name of God, Most Gracious, Most Merciful.",
	}
}

func newDailyVerseTest() (*VerseProvider, *mockQueueStore, *mockRecipientStore, *mockVerseSource) {
	queue := newMockQueueStore()
	recipients := newMockRecipientStore()
	verses := &mockVerseSource{verse: testVerse()}
	p := NewDailyVerse(queue, recipients, verses, zap.NewNop())
	p.recipientDelay = 0
	return p, queue, recipients, verses
}

func TestVerseRefreshQueue_EnqueuesEligibleRecipient(t *testing.T) {
	p, queue, recipients, _ := newDailyVerseTest()
	recipients.addVerseRecipient("device-1", db.CategoryDailyVerse)

	if err := p.RefreshQueue(context.Background()); err != nil {
		t.Fatalf("RefreshQueue failed: %v", err)
	}

	if len(queue.created) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(queue.created))
	}

	d := queue.created[0]
	if d.DeviceToken != "device-1" {
		t.Errorf("expected device-1, got %s", d.DeviceToken)
	}
	if d.Category != db.CategoryDailyVerse {
		t.Errorf("expected category %s, got %s", db.CategoryDailyVerse, d.Category)
	}
	if d.Status != db.StatusPending {
		t.Errorf("expected status %s, got %s", db.StatusPending, d.Status)
	}
	if len(d.Payload) == 0 {
		t.Fatal("expected frozen payload on the row")
	}

	content, err := notify.Decode(d.Payload)
	if err != nil {
		t.Fatalf("payload did not decode: %v", err)
	}
	if content.Title != "Daily Verse" {
		t.Errorf("expected title 'Daily Verse', got %q", content.Title)
	}
	if content.Body != "[1:1] In the name of God, Most Gracious, Most Merciful." {
		t.Errorf("unexpected body: %q", content.Body)
	}
	if content.DeepLink != "wikisubmission://quran/verse/1:1" {
		t.Errorf("unexpected deep link: %q", content.DeepLink)
	}
	if content.Metadata["verse_id"] != "1:1" {
		t.Errorf("expected verse_id metadata, got %v", content.Metadata)
	}
}

func TestVerseRefreshQueue_SkipsAlreadyPending(t *testing.T) {
	p, queue, recipients, _ := newDailyVerseTest()
	recipients.addVerseRecipient("device-1", db.CategoryDailyVerse)
	queue.setLatest("device-1", db.CategoryDailyVerse, &db.QueuedDelivery{
		DeviceToken: "device-1",
		Category:    db.CategoryDailyVerse,
		Status:      db.StatusPending,
		CreatedAt:   time.Now().Add(-72 * time.Hour),
	})

	if err := p.RefreshQueue(context.Background()); err != nil {
		t.Fatalf("RefreshQueue failed: %v", err)
	}

	if len(queue.created) != 0 {
		t.Errorf("expected no new deliveries, got %d", len(queue.created))
	}
}

func TestVerseRefreshQueue_SkipsRecentlyDelivered(t *testing.T) {
	p, queue, recipients, _ := newDailyVerseTest()
	recipients.addVerseRecipient("device-1", db.CategoryDailyVerse)
	deliveredAt := time.Now().Add(-2 * time.Hour)
	queue.setLatest("device-1", db.CategoryDailyVerse, &db.QueuedDelivery{
		DeviceToken: "device-1",
		Category:    db.CategoryDailyVerse,
		Status:      db.StatusSucceeded,
		DeliveredAt: &deliveredAt,
	})

	if err := p.RefreshQueue(context.Background()); err != nil {
		t.Fatalf("RefreshQueue failed: %v", err)
	}

	if len(queue.created) != 0 {
		t.Errorf("expected no new deliveries inside the recency window, got %d", len(queue.created))
	}
}

func TestVerseRefreshQueue_EnqueuesAfterRecencyWindow(t *testing.T) {
	p, queue, recipients, _ := newDailyVerseTest()
	recipients.addVerseRecipient("device-1", db.CategoryDailyVerse)
	deliveredAt := time.Now().Add(-30 * time.Hour)
	queue.setLatest("device-1", db.CategoryDailyVerse, &db.QueuedDelivery{
		DeviceToken: "device-1",
		Category:    db.CategoryDailyVerse,
		Status:      db.StatusSucceeded,
		DeliveredAt: &deliveredAt,
	})

	if err := p.RefreshQueue(context.Background()); err != nil {
		t.Fatalf("RefreshQueue failed: %v", err)
	}

	if len(queue.created) != 1 {
		t.Errorf("expected 1 new delivery past the recency window, got %d", len(queue.created))
	}
}

func TestVerseRefreshQueue_ContinuesPastVerseFailure(t *testing.T) {
	p, queue, recipients, verses := newDailyVerseTest()
	recipients.addVerseRecipient("device-1", db.CategoryDailyVerse)
	verses.err = errors.New("source down")

	if err := p.RefreshQueue(context.Background()); err != nil {
		t.Fatalf("RefreshQueue should not fail on content errors: %v", err)
	}

	if len(queue.created) != 0 {
		t.Errorf("expected no deliveries without content, got %d", len(queue.created))
	}
}

func TestVersePayload_ReturnsFrozenContent(t *testing.T) {
	p, _, _, _ := newDailyVerseTest()

	original := &notify.Content{
		DeviceToken: "device-1",
		Title:       "Daily Verse",
		Body:        "[1:1] In the name of God, Most Gracious, Most Merciful.",
		Category:    db.CategoryDailyVerse,
	}
	payload, err := original.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	content, err := p.Payload(context.Background(), &db.QueuedDelivery{Payload: payload})
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	if content.Title != original.Title || content.Body != original.Body {
		t.Errorf("frozen content mismatch: %+v", content)
	}
}

func TestVersePayload_EmptyPayloadFails(t *testing.T) {
	p, _, _, _ := newDailyVerseTest()

	if _, err := p.Payload(context.Background(), &db.QueuedDelivery{}); err == nil {
		t.Error("expected error for a row with no payload")
	}
}

func TestVerseShouldCancel(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(recipients *mockRecipientStore)
		cancel bool
	}{
		{
			name: "eligible recipient",
			setup: func(recipients *mockRecipientStore) {
				recipients.addVerseRecipient("device-1", db.CategoryDailyVerse)
			},
			cancel: false,
		},
		{
			name:   "unknown device",
			setup:  func(recipients *mockRecipientStore) {},
			cancel: true,
		},
		{
			name: "globally disabled",
			setup: func(recipients *mockRecipientStore) {
				recipients.recipients["device-1"] = &db.Recipient{DeviceToken: "device-1", Enabled: false}
				recipients.verseEnabled["device-1/"+db.CategoryDailyVerse] = true
			},
			cancel: true,
		},
		{
			name: "category opt-out",
			setup: func(recipients *mockRecipientStore) {
				recipients.recipients["device-1"] = &db.Recipient{DeviceToken: "device-1", Enabled: true}
			},
			cancel: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _, recipients, _ := newDailyVerseTest()
			tt.setup(recipients)

			cancel, err := p.ShouldCancel(context.Background(), &db.QueuedDelivery{DeviceToken: "device-1"})
			if err != nil {
				t.Fatalf("ShouldCancel failed: %v", err)
			}
			if cancel != tt.cancel {
				t.Errorf("expected cancel=%t, got %t", tt.cancel, cancel)
			}
		})
	}
}

func TestVerseRender_NotEligible(t *testing.T) {
	p, _, recipients, _ := newDailyVerseTest()
	recipients.recipients["device-1"] = &db.Recipient{DeviceToken: "device-1", Enabled: true}

	_, err := p.Render(context.Background(), "device-1")
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible, got %v", err)
	}

	_, err = p.Render(context.Background(), "unknown-device")
	if !errors.Is(err, ErrNotEligible) {
		t.Errorf("expected ErrNotEligible for unknown device, got %v", err)
	}
}

func TestRandomVerseTitle(t *testing.T) {
	queue := newMockQueueStore()
	recipients := newMockRecipientStore()
	recipients.addVerseRecipient("device-1", db.CategoryRandomVerse)
	verses := &mockVerseSource{verse: testVerse()}
	p := NewRandomVerse(queue, recipients, verses, zap.NewNop())

	content, err := p.Render(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if content.Title != "Sura 1, The Key" {
		t.Errorf("unexpected random verse title: %q", content.Title)
	}
	if !strings.HasPrefix(content.Body, "[1:1] ") {
		t.Errorf("expected body prefixed with verse id, got %q", content.Body)
	}
}
