package symbols

import (
	"testing"
	"time"
)

func TestNormalizeKucoinSymbol(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"XBTUSDTM", "BTCUSDT"},
		{"XBT-USDTM", "BTCUSDT"},
		{"ethusdtm", "ETHUSDT"},
		{"SOL/USDT", "SOLUSDT"},
		{"BTCUSDT", "BTCUSDT"},
	}
	for _, tt := range tests {
		if got := NormalizeKucoinSymbol(tt.in); got != tt.want {
			t.Errorf("NormalizeKucoinSymbol(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestToKucoinFutures(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"BTCUSDT", "XBTUSDTM"},
		{"XBTUSDTM", "XBTUSDTM"},
		{"ETH/USDT", "ETHUSDTM"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := ToKucoinFutures(tt.in); got != tt.want {
			t.Errorf("ToKucoinFutures(%s)=%s want %s", tt.in, got, tt.want)
		}
	}
}

func TestTimeframes(t *testing.T) {
	if g, err := Granularity("4h"); err != nil || g != 240 {
		t.Fatalf("Granularity(4h) = %d, %v", g, err)
	}
	if _, err := Granularity("7m"); err == nil {
		t.Fatalf("expected error for unsupported timeframe")
	}
	if d, _ := TimeframeDuration("1d"); d != 24*time.Hour {
		t.Fatalf("TimeframeDuration(1d) = %s", d)
	}
	suffix, err := CandleTopicSuffix("1h")
	if err != nil || suffix != "1hour" {
		t.Fatalf("CandleTopicSuffix(1h) = %s, %v", suffix, err)
	}
	if tf, ok := TimeframeFromTopicSuffix(suffix); !ok || tf != "1h" {
		t.Fatalf("TimeframeFromTopicSuffix(%s) = %s, %v", suffix, tf, ok)
	}
}
