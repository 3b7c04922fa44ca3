package types

import "testing"

func TestRejectish(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{"insufficient margin", "Insufficient margin", true},
		{"rejected by broker", "order rejected by exchange", true},
		{"trading halt", "instrument in HALT state", true},
		{"plain pending", "order accepted", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Order{Status: StatusPending, StatusMsg: tt.msg}
			if got := o.Rejectish(); got != tt.want {
				t.Fatalf("Rejectish(%q)=%v, expected %v", tt.msg, got, tt.want)
			}
		})
	}
}

func TestSplitStdSymbol(t *testing.T) {
	tests := []struct {
		std      string
		symbol   string
		exchange string
	}{
		{"rb2501.SHFE", "rb2501", "SHFE"},
		{"IF2412.CFFEX", "IF2412", "CFFEX"},
		{"noexchange", "noexchange", ""},
	}
	for _, tt := range tests {
		sym, ex := SplitStdSymbol(tt.std)
		if sym != tt.symbol || ex != tt.exchange {
			t.Fatalf("SplitStdSymbol(%q)=(%q,%q), expected (%q,%q)", tt.std, sym, ex, tt.symbol, tt.exchange)
		}
	}
	if got := StdSymbol("rb2501", "SHFE"); got != "rb2501.SHFE" {
		t.Fatalf("StdSymbol=%q", got)
	}
}

func TestVolumeLeft(t *testing.T) {
	o := Order{VolumeOriginal: 10, VolumeTraded: 3}
	if o.VolumeLeft() != 7 {
		t.Fatalf("VolumeLeft=%d, expected 7", o.VolumeLeft())
	}
	if !(Order{Status: StatusPending}).Active() {
		t.Fatal("pending order should be active")
	}
	if (Order{Status: StatusFinished}).Active() {
		t.Fatal("finished order should not be active")
	}
}
