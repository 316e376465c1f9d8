package detect

import (
	"testing"
	"time"

	"scan_server/core/domain"
)

func TestExtractAmount(t *testing.T) {
	tests := []struct {
		name     string
		haystack string
		want     float64
		currency string
	}{
		{"symbol prefix", "Total: $15.49 for this billing period", 15.49, "USD"},
		{"us dollar prefix", "You paid US$39.99 for your subscription", 39.99, "USD"},
		{"euro comma decimal", "Gesamtbetrag: €9,99 invoice attached", 9.99, "EUR"},
		{"thousands comma", "Invoice total $1,234.56 due now", 1234.56, "USD"},
		{"european thousands", "Total €1.234,56 charged", 1234.56, "EUR"},
		{"suffix code", "Amount due: 12.99 USD", 12.99, "USD"},
		{"pound", "Your receipt: £7.99", 7.99, "GBP"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, cur := ExtractAmount(tt.haystack)
			if got == nil {
				t.Fatalf("ExtractAmount(%q) = nil", tt.haystack)
			}
			if *got != tt.want || cur != tt.currency {
				t.Errorf("ExtractAmount(%q) = %v %s, want %v %s", tt.haystack, *got, cur, tt.want, tt.currency)
			}
		})
	}
}

func TestExtractAmountProximityWins(t *testing.T) {
	// The stray price comes first, but the amount next to "charged" wins.
	hay := "Save big: was $99.00 before!" +
		"                                                                " +
		"We charged $15.49 to your card."
	got, cur := ExtractAmount(hay)
	if got == nil || *got != 15.49 || cur != "USD" {
		t.Errorf("ExtractAmount = %v %s, want 15.49 USD", got, cur)
	}
}

func TestExtractAmountNone(t *testing.T) {
	for _, hay := range []string{
		"No prices here",
		"Account number 1234567",
		"Total: $0",
	} {
		if got, _ := ExtractAmount(hay); got != nil {
			t.Errorf("ExtractAmount(%q) = %v, want nil", hay, *got)
		}
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"15.49", 15.49, true},
		{"9,99", 9.99, true},
		{"1,234.56", 1234.56, true},
		{"1.234,56", 1234.56, true},
		{"1.234", 1234, true},
		{"5", 5, true},
		{"0", 0, false},
		{"2000000", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseAmount(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseAmount(%q) = %v,%v, want %v,%v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestExtractCadence(t *testing.T) {
	tests := []struct {
		hay  string
		want domain.Cadence
	}{
		{"$9.99/month until cancelled", domain.CadenceMonthly},
		{"billed annually", domain.CadenceYearly},
		{"your weekly plan", domain.CadenceWeekly},
		{"renews every 3 months", domain.CadenceQuarterly},
		// Week outranks month when both appear.
		{"billed weekly, compare to monthly pricing", domain.CadenceWeekly},
		{"no cadence here", ""},
	}
	for _, tt := range tests {
		if got := ExtractCadence(tt.hay); got != tt.want {
			t.Errorf("ExtractCadence(%q) = %q, want %q", tt.hay, got, tt.want)
		}
	}
}

func TestInferCadence(t *testing.T) {
	day := int64(24 * time.Hour / time.Millisecond)
	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC).UnixMilli()

	series := func(gapDays int64, n int) []int64 {
		out := make([]int64, n)
		for i := range out {
			out[i] = base + int64(i)*gapDays*day
		}
		return out
	}

	tests := []struct {
		name  string
		dates []int64
		want  domain.Cadence
	}{
		{"monthly", series(30, 4), domain.CadenceMonthly},
		{"monthly with jitter", []int64{base, base + 28*day, base + 59*day, base + 90*day}, domain.CadenceMonthly},
		{"weekly", series(7, 3), domain.CadenceWeekly},
		{"biweekly", series(14, 3), domain.CadenceBiweekly},
		{"quarterly", series(91, 3), domain.CadenceQuarterly},
		{"yearly", series(365, 2), domain.CadenceYearly},
		{"irregular", []int64{base, base + 2*day, base + 6*day}, ""},
		{"single date", series(30, 1), ""},
		{"empty", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferCadence(tt.dates); got != tt.want {
				t.Errorf("InferCadence = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractNextRenewal(t *testing.T) {
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		hay  string
		want string
	}{
		{"iso date", "Your plan renews on 2026-09-24.", "2026-09-24"},
		{"long date", "Renewal date: Sep 24, 2026", "2026-09-24"},
		{"abbreviated month with dot", "Trial ends Oct. 1, 2026", "2026-10-01"},
		{"past date rejected", "Your plan renews on 2020-01-01.", ""},
		{"too far out rejected", "Your plan renews on 2028-01-01.", ""},
		{"date without keyword", "See you on 2026-09-24.", ""},
		{"keyword without date", "Your plan renews soon.", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractNextRenewal(tt.hay, now); got != tt.want {
				t.Errorf("ExtractNextRenewal(%q) = %q, want %q", tt.hay, got, tt.want)
			}
		})
	}
}

func TestExtractPlan(t *testing.T) {
	tests := []struct {
		hay  string
		want string
	}{
		{"Plan: Premium", "Premium"},
		{"Membership: Gold Tier", "Gold Tier"},
		{"Subscription: Premium Career Monthly", "Premium Career Monthly"},
		{"Standard (Monthly) renews automatically", "Standard (Monthly)"},
		{"nothing here", ""},
	}
	for _, tt := range tests {
		if got := ExtractPlan(tt.hay); got != tt.want {
			t.Errorf("ExtractPlan(%q) = %q, want %q", tt.hay, got, tt.want)
		}
	}
}

func TestExtractPlatformMerchant(t *testing.T) {
	tests := []struct {
		name string
		hay  string
		want string
	}{
		{"app line with colon in name", "App: LinkedIn: Network & Job Finder\nUS$39.99", "LinkedIn"},
		{"subscription line", "Subscription: Headspace\nRenews monthly", "Headspace"},
		{"you paid to", "You paid to Spotify AB via PayPal", "Spotify AB via PayPal"},
		{"subscription to", "Your subscription to Disney+ has renewed", "Disney+ has renewed"},
		{"none", "plain receipt text", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractPlatformMerchant(tt.hay); got != tt.want {
				t.Errorf("ExtractPlatformMerchant = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDetectEventType(t *testing.T) {
	tests := []struct {
		name      string
		hay       string
		flags     Flags
		hasAmount bool
		want      domain.CandidateEventType
	}{
		{"payment failed outranks receipt", "your payment failed, see invoice", Flags{}, true, domain.EventPaymentFailed},
		{"paused", "your subscription is paused", Flags{}, false, domain.EventPaused},
		{"cancellation", "your subscription has been cancelled", Flags{}, false, domain.EventCancellation},
		{"trial outranks renewal", "your free trial renews soon", Flags{}, false, domain.EventTrial},
		{"receipt", "your receipt from Netflix", Flags{}, true, domain.EventReceipt},
		{"renewal", "your plan renews on Sep 24", Flags{}, false, domain.EventRenewal},
		{"billing signal", "thanks for your business", Flags{LikelyTransactional: true}, true, domain.EventBillingSignal},
		{"billing signal no amount", "thanks for your business", Flags{LikelyTransactional: true}, false, domain.EventBillingSignalNoAmount},
		{"marketing", "check this out", Flags{MarketingHeavy: true}, false, domain.EventMarketing},
		{"unknown", "hello world", Flags{}, false, domain.EventUnknownType},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectEventType(tt.hay, tt.flags, tt.hasAmount); got != tt.want {
				t.Errorf("DetectEventType = %q, want %q", got, tt.want)
			}
		})
	}
}
