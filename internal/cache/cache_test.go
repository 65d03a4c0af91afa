package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatloop/chatloop/internal/model"
)

func msg(id string, createdAt int64) model.Message {
	return model.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       "u2",
		Content:        "msg " + id,
		CreatedAt:      createdAt,
		Status:         model.StatusDelivered,
	}
}

func TestUpsertKeepsOrderAndDedupes(t *testing.T) {
	s := New(Config{}, nil)

	// Insert out of order, with a duplicate ID and a CreatedAt tie.
	s.Upsert("c1", msg("m3", 3000))
	s.Upsert("c1", msg("m1", 1000))
	s.Upsert("c1", msg("m2", 2000))
	s.Upsert("c1", msg("m2", 2000)) // duplicate
	tie := msg("m0", 3000)          // same CreatedAt as m3, smaller ID
	s.Upsert("c1", tie)

	got := s.Get("c1")
	require.Len(t, got, 4)
	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	assert.Equal(t, []string{"m1", "m2", "m0", "m3"}, ids)
	assert.Equal(t, 4, s.Len())
}

func TestUpsertUpdatesInPlace(t *testing.T) {
	s := New(Config{}, nil)
	s.Upsert("c1", msg("m1", 1000))

	updated := msg("m1", 1000)
	updated.Status = model.StatusRead
	updated.ReadAt = 1500
	s.Upsert("c1", updated)

	got := s.Get("c1")
	require.Len(t, got, 1)
	assert.Equal(t, model.StatusRead, got[0].Status)
}

func TestUpsertReordersWhenCreatedAtChanges(t *testing.T) {
	s := New(Config{}, nil)
	s.Upsert("c1", msg("m1", 1000))
	s.Upsert("c1", msg("m2", 2000))
	s.Upsert("c1", msg("m3", 3000))

	// An update that moves a message past its neighbors must re-sort.
	moved := msg("m1", 4000)
	s.Upsert("c1", moved)

	got := s.Get("c1")
	require.Len(t, got, 3)
	assert.Equal(t, []string{"m2", "m3", "m1"}, []string{got[0].ID, got[1].ID, got[2].ID})

	// And one that keeps its slot stays put.
	s.Upsert("c1", msg("m3", 3000))
	got = s.Get("c1")
	assert.Equal(t, "m3", got[1].ID)
}

func TestPutReplacesSequence(t *testing.T) {
	s := New(Config{}, nil)
	s.Upsert("c1", msg("old", 500))

	s.Put("c1", []model.Message{msg("m2", 2000), msg("m1", 1000)})

	got := s.Get("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "m1", got[0].ID)
	assert.Equal(t, "m2", got[1].ID)
}

func TestGetMissReturnsNil(t *testing.T) {
	s := New(Config{}, nil)
	assert.Nil(t, s.Get("nope"))
}

func TestEvictRespectsTTL(t *testing.T) {
	s := New(Config{TTL: time.Hour}, nil)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Upsert("c1", msg("fresh", 1000))

	// Under TTL: nothing to evict without force/pressure.
	s.now = func() time.Time { return base.Add(30 * time.Minute) }
	assert.Equal(t, 0, s.Evict(false))
	assert.Len(t, s.Get("c1"), 1)

	// Past TTL: expired entry goes.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	assert.Equal(t, 1, s.Evict(false))
	assert.Nil(t, s.Get("c1"))
}

func TestForceEvictShedsToBudget(t *testing.T) {
	s := New(Config{TTL: time.Hour, MaxTotal: 2, MaxPerConversation: 10}, nil)
	base := time.Now()
	s.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		s.Upsert("c1", msg(fmt.Sprintf("m%d", i), int64(1000+i)))
		// Stagger cachedAt so eviction order is deterministic.
		base = base.Add(time.Second)
		cur := base
		s.now = func() time.Time { return cur }
	}

	// enforceTotalLocked already trimmed to MaxTotal on insert.
	assert.LessOrEqual(t, s.Len(), 2)

	got := s.Get("c1")
	require.Len(t, got, 2)
	// Newest cachedAt entries survive.
	assert.Equal(t, "m3", got[0].ID)
	assert.Equal(t, "m4", got[1].ID)
}

func TestEvictIdleConversationsFirst(t *testing.T) {
	s := New(Config{TTL: 24 * time.Hour, IdleAfter: 10 * time.Minute, MaxTotal: 100}, nil)
	base := time.Now()
	s.now = func() time.Time { return base }

	s.Upsert("idle", model.Message{ID: "i1", ConversationID: "idle", CreatedAt: 1000})
	s.Upsert("hot", model.Message{ID: "h1", ConversationID: "hot", CreatedAt: 1000})

	// Only "hot" is accessed later.
	s.now = func() time.Time { return base.Add(time.Hour) }
	_ = s.Get("hot")

	s.SetPressure(true)
	// Budget of one entry: idle conversation's entry must go first.
	s.cfg.MaxTotal = 1
	s.Evict(false)

	assert.Nil(t, s.Get("idle"))
	assert.Len(t, s.Get("hot"), 1)
}

func TestEvictProtectsReplyReferences(t *testing.T) {
	s := New(Config{TTL: time.Hour, MaxTotal: 100}, nil)
	base := time.Now()
	s.now = func() time.Time { return base }

	target := msg("target", 1000)
	s.Upsert("c1", target)

	// Unread message replying to target, cached fresh.
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	reply := msg("reply", 5000)
	reply.RepliedToID = "target"
	reply.ReadAt = 0
	s.Upsert("c1", reply)

	// target is past TTL but referenced by an unread reply: kept.
	s.Evict(false)
	got := s.Get("c1")
	require.Len(t, got, 2)
	assert.Equal(t, "target", got[0].ID)
}

func TestEvictDropsReplyReferenceUnderExtremePressure(t *testing.T) {
	s := New(Config{TTL: time.Hour, MaxTotal: 100}, nil)
	base := time.Now()
	s.now = func() time.Time { return base }

	target := msg("target", 1000)
	s.Upsert("c1", target)
	reply := msg("reply", 5000)
	reply.RepliedToID = "target"
	s.Upsert("c1", reply)

	s.cfg.MaxTotal = 0
	s.SetPressure(true)
	s.Evict(true)

	assert.Equal(t, 0, s.Len())
}

func TestPerConversationCap(t *testing.T) {
	s := New(Config{MaxPerConversation: 3, MaxTotal: 100}, nil)

	for i := 0; i < 5; i++ {
		s.Upsert("c1", msg(fmt.Sprintf("m%d", i), int64(1000+i)))
	}

	got := s.Get("c1")
	require.Len(t, got, 3)
	// Oldest by CreatedAt were trimmed.
	assert.Equal(t, "m2", got[0].ID)
	assert.Equal(t, "m4", got[2].ID)
}

func TestRemoveAndDrop(t *testing.T) {
	s := New(Config{}, nil)
	s.Upsert("c1", msg("m1", 1000))
	s.Upsert("c1", msg("m2", 2000))

	s.Remove("c1", "m1")
	require.Len(t, s.Get("c1"), 1)

	s.Drop("c1")
	assert.Nil(t, s.Get("c1"))
	assert.Equal(t, 0, s.Len())
}

func TestPatch(t *testing.T) {
	s := New(Config{}, nil)
	s.Upsert("c1", msg("m1", 1000))

	updated, ok := s.Patch("c1", "m1", func(m *model.Message) {
		m.Status = model.StatusRead
		m.ReadAt = 9000
	})
	require.True(t, ok)
	assert.Equal(t, model.StatusRead, updated.Status)
	assert.Equal(t, model.StatusRead, s.Get("c1")[0].Status)

	_, ok = s.Patch("c1", "missing", func(m *model.Message) {})
	assert.False(t, ok)
}
