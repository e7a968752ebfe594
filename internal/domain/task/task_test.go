package task

import "testing"

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	if PriorityHigh.Rank() >= PriorityNormal.Rank() {
		t.Error("high should rank before normal")
	}
	if PriorityNormal.Rank() >= PriorityLow.Rank() {
		t.Error("normal should rank before low")
	}
	// Unknown priorities fall back to normal.
	if Priority("").Rank() != PriorityNormal.Rank() {
		t.Error("empty priority should rank as normal")
	}
}

func TestSubmitRequestValidate(t *testing.T) {
	valid := SubmitRequest{Retailer: "shopline", ItemRef: "SKU-1", Quantity: 1}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	if valid.Mode != ModeInstant || valid.Priority != PriorityNormal {
		t.Errorf("defaults not applied: mode=%s priority=%s", valid.Mode, valid.Priority)
	}

	cases := []struct {
		name string
		req  SubmitRequest
	}{
		{"missing retailer", SubmitRequest{ItemRef: "SKU-1", Quantity: 1}},
		{"missing item_ref", SubmitRequest{Retailer: "shopline", Quantity: 1}},
		{"zero quantity", SubmitRequest{Retailer: "shopline", ItemRef: "SKU-1"}},
		{"negative max_price", SubmitRequest{Retailer: "shopline", ItemRef: "SKU-1", Quantity: 1, MaxPrice: -1}},
		{"bad mode", SubmitRequest{Retailer: "shopline", ItemRef: "SKU-1", Quantity: 1, Mode: "turbo"}},
		{"bad priority", SubmitRequest{Retailer: "shopline", ItemRef: "SKU-1", Quantity: 1, Priority: "urgent"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
