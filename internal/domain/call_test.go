package domain

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()

	allowed := [][2]CallStatus{
		{CallQueued, CallRinging},
		{CallQueued, CallFailed},
		{CallRinging, CallAccepted},
		{CallRinging, CallMissed},
		{CallRinging, CallDeclined},
		{CallRinging, CallFailed},
		{CallAccepted, CallCompleted},
		{CallAccepted, CallFailed},
	}
	for _, e := range allowed {
		if !CanTransition(e[0], e[1]) {
			t.Errorf("CanTransition(%s, %s) = false, want true", e[0], e[1])
		}
	}

	denied := [][2]CallStatus{
		{CallQueued, CallAccepted},
		{CallRinging, CallCompleted},
		{CallCompleted, CallFailed},
		{CallMissed, CallAccepted},
		{CallAccepted, CallRinging},
	}
	for _, e := range denied {
		if CanTransition(e[0], e[1]) {
			t.Errorf("CanTransition(%s, %s) = true, want false", e[0], e[1])
		}
	}
}

func TestTerminalStatusesHaveNoEdges(t *testing.T) {
	t.Parallel()
	for _, s := range []CallStatus{CallCompleted, CallMissed, CallDeclined, CallFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s.IsTerminal() = false", s)
		}
		if len(callEdges[s]) != 0 {
			t.Errorf("terminal status %s has outgoing edges", s)
		}
	}
}

func TestParseCallStatus(t *testing.T) {
	t.Parallel()
	if st, ok := ParseCallStatus(" Ended "); !ok || st != CallCompleted {
		t.Errorf("ParseCallStatus(ended) = %q, %v", st, ok)
	}
	if _, ok := ParseCallStatus("hung_up"); ok {
		t.Error("ParseCallStatus accepted unknown status")
	}
}

func TestIsAPNsToken(t *testing.T) {
	t.Parallel()
	apns := "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90"
	if !IsAPNsToken(apns) {
		t.Error("expected 64-hex token to be APNs")
	}
	if IsAPNsToken("fcm:APA91bHun4MxP5egoKMwt2KZFBaFUH") {
		t.Error("expected FCM token to not be APNs")
	}
}

func TestBotDefaults(t *testing.T) {
	t.Parallel()
	b := &Bot{ProactiveIntervalMinutes: -3}
	if b.ProactiveInterval() != 0 {
		t.Error("negative interval should disable")
	}
	if b.MaxProactiveMessages() != DefaultProactiveMaxMessages {
		t.Errorf("MaxProactiveMessages = %d", b.MaxProactiveMessages())
	}
	if b.CheckInPrompt() != DefaultProactivityPrompt {
		t.Errorf("CheckInPrompt = %q", b.CheckInPrompt())
	}
}
