package membership

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"palaver/internal/models"
	"palaver/internal/transport/transporttest"
)

func decodeControl(t *testing.T, e transporttest.Emitted) models.ConversationControl {
	t.Helper()
	var ctrl models.ConversationControl
	e.Decode(t, &ctrl)
	return ctrl
}

func TestManager_SwitchLeavesBeforeJoining(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)

	if err := m.SwitchTo("A", "me"); err != nil {
		t.Fatalf("SwitchTo A failed: %v", err)
	}
	if err := m.SwitchTo("B", "me"); err != nil {
		t.Fatalf("SwitchTo B failed: %v", err)
	}

	emitted := session.Emitted()
	want := []string{
		models.ClientEventJoinConversation,
		models.ClientEventLeaveConversation,
		models.ClientEventJoinConversation,
	}
	if !slices.Equal(session.Types(), want) {
		t.Fatalf("expected %v, got %v", want, session.Types())
	}
	if c := decodeControl(t, emitted[1]); c.ConversationID != "A" || c.UserID != "me" {
		t.Errorf("expected leave A, got %+v", c)
	}
	if c := decodeControl(t, emitted[2]); c.ConversationID != "B" {
		t.Errorf("expected join B, got %+v", c)
	}

	sub, ok := m.Current()
	if !ok || sub.ConversationID != "B" {
		t.Errorf("expected current B, got %+v", sub)
	}
}

func TestManager_SwitchToSameIsNoop(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)

	_ = m.SwitchTo("A", "me")
	_ = m.SwitchTo("A", "me")

	if n := len(session.Emitted()); n != 1 {
		t.Errorf("expected a single join, got %v", session.Types())
	}
}

func TestManager_Release(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)

	if err := m.Release("me"); err != nil {
		t.Fatalf("Release without subscription failed: %v", err)
	}
	if n := len(session.Emitted()); n != 0 {
		t.Fatalf("expected nothing emitted, got %v", session.Types())
	}

	_ = m.SwitchTo("A", "me")
	if err := m.Release("me"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if _, ok := m.Current(); ok {
		t.Error("subscription not cleared")
	}
	types := session.Types()
	if types[len(types)-1] != models.ClientEventLeaveConversation {
		t.Errorf("expected trailing leave, got %v", types)
	}
}

func TestManager_DeferredJoin(t *testing.T) {
	session := transporttest.NewSession()
	m := New(session, nil)

	if err := m.SwitchTo("A", "me"); err != nil {
		t.Fatalf("SwitchTo while disconnected failed: %v", err)
	}
	if err := m.SwitchTo("B", "me"); err != nil {
		t.Fatalf("SwitchTo while disconnected failed: %v", err)
	}
	if n := len(session.Emitted()); n != 0 {
		t.Fatalf("expected nothing sent while disconnected, got %v", session.Types())
	}

	session.SetConnected(true)
	emitted := session.Emitted()
	if len(emitted) != 1 || emitted[0].Type != models.ClientEventJoinConversation {
		t.Fatalf("expected only join B on connect, got %v", session.Types())
	}
	if c := decodeControl(t, emitted[0]); c.ConversationID != "B" {
		t.Errorf("expected join B, got %+v", c)
	}
}

func TestManager_RejoinAfterReconnect(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)
	_ = m.SwitchTo("A", "me")

	session.SetConnected(false)
	session.SetConnected(true)

	if n := len(session.Emitted()); n != 2 {
		t.Fatalf("expected join, rejoin; got %v", session.Types())
	}

	// Leaving a conversation joined before the drop but not after is skipped.
	session.SetConnected(false)
	session.Reset()
	_ = m.Release("me")
	if n := len(session.Emitted()); n != 0 {
		t.Errorf("expected no leave while disconnected, got %v", session.Types())
	}
}

func TestManager_LeaveFailureKeepsIntent(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)
	_ = m.SwitchTo("A", "me")

	session.EmitErr = errors.New("broken pipe")
	if err := m.SwitchTo("B", "me"); err == nil {
		t.Fatal("expected leave failure to surface")
	}
	session.EmitErr = nil

	for _, e := range session.Emitted() {
		if e.Type == models.ClientEventJoinConversation && decodeControl(t, e).ConversationID == "B" {
			t.Fatal("join B sent without leave A")
		}
	}

	session.SetConnected(false)
	session.SetConnected(true)
	emitted := session.Emitted()
	last := emitted[len(emitted)-1]
	if last.Type != models.ClientEventJoinConversation || decodeControl(t, last).ConversationID != "B" {
		t.Errorf("expected join B after reconnect, got %v", session.Types())
	}
}

// For any interleaving of concurrent switches, the wire never shows a join
// while another conversation is still joined.
func TestManager_ConcurrentSwitchesNeverOverlap(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = m.SwitchTo(fmt.Sprintf("c%d", (g+i)%5), "me")
			}
		}(g)
	}
	wg.Wait()
	_ = m.Release("me")

	joined := ""
	for i, e := range session.Emitted() {
		c := decodeControl(t, e)
		switch e.Type {
		case models.ClientEventJoinConversation:
			if joined != "" {
				t.Fatalf("frame %d: join %s while %s still joined", i, c.ConversationID, joined)
			}
			joined = c.ConversationID
		case models.ClientEventLeaveConversation:
			if joined != c.ConversationID {
				t.Fatalf("frame %d: leave %s but joined %q", i, c.ConversationID, joined)
			}
			joined = ""
		}
	}
	if joined != "" {
		t.Errorf("still joined to %s after release", joined)
	}
}

func TestManager_CloseStopsRejoin(t *testing.T) {
	session := transporttest.NewSession()
	session.SetConnected(true)
	m := New(session, nil)
	_ = m.SwitchTo("A", "me")

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	session.Reset()
	session.SetConnected(false)
	session.SetConnected(true)
	if n := len(session.Emitted()); n != 0 {
		t.Errorf("expected nothing after Close, got %v", session.Types())
	}
}
