package store

import "testing"

func TestValidateSubscribeAck(t *testing.T) {
	tests := []struct {
		name    string
		ack     any
		wantErr bool
	}{
		{"nil ack", nil, true},
		{"ok string", "SUBSCRIBED", false},
		{"error keyword", "channel error: refused", true},
		{"failed keyword", "subscribe FAILED", true},
		{"timeout keyword", "timeout while joining", true},
		{"unable keyword", "unable to join topic", true},
		{"ok map", map[string]any{"status": "ok"}, false},
		{"map with error field", map[string]any{"error": "boom"}, true},
		{"map with nil error field", map[string]any{"error": nil}, false},
		{"map with error status", map[string]any{"status": "ERROR"}, true},
		{"unknown shape", 42, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubscribeAck(tt.ack)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSubscribeAck(%v) error = %v, wantErr %t", tt.ack, err, tt.wantErr)
			}
		})
	}
}
