package detect

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"scan_server/core/domain"
)

// Billing keywords used for amount proximity scoring.
var billingKeywords = []string{
	"total", "charged", "you paid", "amount due", "invoice",
	"receipt", "renewal", "subscription",
}

const amountProximity = 60

var currencySymbols = map[string]string{
	"us$": "USD", "c$": "CAD", "a$": "AUD", "nz$": "NZD",
	"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY", "₩": "KRW", "₹": "INR",
}

var amountPattern = regexp.MustCompile(
	`(?i)(US\$|C\$|A\$|NZ\$|\$|€|£|¥|₩|₹|USD|EUR|GBP|CAD|AUD|NZD|JPY|KRW|INR|CHF|SEK|NOK|DKK)\s?([0-9][0-9.,]*[0-9]|[0-9])`)

var amountSuffixPattern = regexp.MustCompile(
	`(?i)([0-9][0-9.,]*[0-9]|[0-9])\s?(USD|EUR|GBP|CAD|AUD|NZD|JPY|KRW|INR|CHF|SEK|NOK|DKK)\b`)

// ExtractAmount finds the most plausible charge amount in the
// haystack. Amounts near billing keywords win over stray prices.
func ExtractAmount(haystack string) (*float64, string) {
	type hit struct {
		index    int
		amount   float64
		currency string
	}
	var hits []hit

	for _, m := range amountPattern.FindAllStringSubmatchIndex(haystack, -1) {
		cur := normalizeCurrency(haystack[m[2]:m[3]])
		if v, ok := parseAmount(haystack[m[4]:m[5]]); ok {
			hits = append(hits, hit{index: m[0], amount: v, currency: cur})
		}
	}
	for _, m := range amountSuffixPattern.FindAllStringSubmatchIndex(haystack, -1) {
		cur := normalizeCurrency(haystack[m[4]:m[5]])
		if v, ok := parseAmount(haystack[m[2]:m[3]]); ok {
			hits = append(hits, hit{index: m[0], amount: v, currency: cur})
		}
	}
	if len(hits) == 0 {
		return nil, ""
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].index < hits[j].index })

	hay := strings.ToLower(haystack)
	for _, h := range hits {
		if nearBillingKeyword(hay, h.index) {
			v := h.amount
			return &v, h.currency
		}
	}
	v := hits[0].amount
	return &v, hits[0].currency
}

func nearBillingKeyword(lowerHay string, index int) bool {
	for _, kw := range billingKeywords {
		from := 0
		for {
			i := strings.Index(lowerHay[from:], kw)
			if i < 0 {
				break
			}
			pos := from + i
			if pos >= index-amountProximity && pos <= index+amountProximity {
				return true
			}
			from = pos + len(kw)
		}
	}
	return false
}

// parseAmount handles both decimal conventions. The rightmost
// separator is the decimal mark when it is followed by exactly two
// digits; everything else is a thousands separator.
func parseAmount(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	lastDot := strings.LastIndex(raw, ".")
	lastComma := strings.LastIndex(raw, ",")
	sep := lastDot
	if lastComma > sep {
		sep = lastComma
	}

	var normalized string
	if sep >= 0 && len(raw)-sep-1 == 2 {
		intPart := strings.Map(dropSeparators, raw[:sep])
		normalized = intPart + "." + raw[sep+1:]
	} else {
		normalized = strings.Map(dropSeparators, raw)
	}

	v, err := strconv.ParseFloat(normalized, 64)
	if err != nil || v <= 0 || v > 1_000_000 {
		return 0, false
	}
	return v, true
}

func dropSeparators(r rune) rune {
	if r == '.' || r == ',' || r == ' ' {
		return -1
	}
	return r
}

func normalizeCurrency(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if code, ok := currencySymbols[raw]; ok {
		return code
	}
	return strings.ToUpper(raw)
}

// Cadence keyword patterns, checked week < month < quarter < year.
var cadencePatterns = []struct {
	cadence domain.Cadence
	re      *regexp.Regexp
}{
	{domain.CadenceWeekly, regexp.MustCompile(`(?i)(\bweekly\b|per week|/week|/wk\b|every week|each week)`)},
	{domain.CadenceMonthly, regexp.MustCompile(`(?i)(\bmonthly\b|per month|/month|/mo\b|every month|each month)`)},
	{domain.CadenceQuarterly, regexp.MustCompile(`(?i)(\bquarterly\b|per quarter|/quarter|every 3 months)`)},
	{domain.CadenceYearly, regexp.MustCompile(`(?i)(\byearly\b|\bannual(ly)?\b|per year|/year|/yr\b|every year)`)},
}

// ExtractCadence finds an explicit cadence keyword in the haystack.
func ExtractCadence(haystack string) domain.Cadence {
	for _, p := range cadencePatterns {
		if p.re.MatchString(haystack) {
			return p.cadence
		}
	}
	return ""
}

// Gap-to-cadence tolerances in days.
var cadenceGaps = []struct {
	cadence   domain.Cadence
	days      float64
	tolerance float64
}{
	{domain.CadenceWeekly, 7, 2},
	{domain.CadenceBiweekly, 14, 3},
	{domain.CadenceMonthly, 30, 6},
	{domain.CadenceQuarterly, 90, 15},
	{domain.CadenceYearly, 365, 45},
}

// InferCadence maps the median gap between event dates to a cadence.
// Needs at least two dates.
func InferCadence(dateMs []int64) domain.Cadence {
	if len(dateMs) < 2 {
		return ""
	}
	sorted := make([]int64, len(dateMs))
	copy(sorted, dateMs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	gaps := make([]float64, 0, len(sorted)-1)
	for i := 1; i < len(sorted); i++ {
		gaps = append(gaps, float64(sorted[i]-sorted[i-1])/float64(24*time.Hour/time.Millisecond))
	}
	sort.Float64s(gaps)
	median := gaps[len(gaps)/2]
	if len(gaps)%2 == 0 {
		median = (gaps[len(gaps)/2-1] + gaps[len(gaps)/2]) / 2
	}

	return CadenceFromGap(median)
}

// CadenceFromGap maps one observed gap in days to a cadence.
func CadenceFromGap(days float64) domain.Cadence {
	for _, g := range cadenceGaps {
		if days >= g.days-g.tolerance && days <= g.days+g.tolerance {
			return g.cadence
		}
	}
	return ""
}

var renewalKeywordRe = regexp.MustCompile(`(?i)(renews|renewal|next billing|billed on|trial ends|valid until|expires)`)

var isoDateRe = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)

var longDateRe = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\.?\s+(\d{1,2}),?\s+(\d{4})\b`)

var monthIndex = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March,
	"apr": time.April, "may": time.May, "jun": time.June,
	"jul": time.July, "aug": time.August, "sep": time.September,
	"oct": time.October, "nov": time.November, "dec": time.December,
}

const renewalDateProximity = 80

// ExtractNextRenewal finds an upcoming renewal/expiry date near a
// renewal keyword. The date must land in [now-1d, now+400d].
func ExtractNextRenewal(haystack string, now time.Time) string {
	keywords := renewalKeywordRe.FindAllStringIndex(haystack, -1)
	if len(keywords) == 0 {
		return ""
	}

	type candidate struct {
		index int
		date  time.Time
	}
	var candidates []candidate

	for _, m := range isoDateRe.FindAllStringSubmatchIndex(haystack, -1) {
		y, _ := strconv.Atoi(haystack[m[2]:m[3]])
		mo, _ := strconv.Atoi(haystack[m[4]:m[5]])
		d, _ := strconv.Atoi(haystack[m[6]:m[7]])
		if mo >= 1 && mo <= 12 && d >= 1 && d <= 31 {
			candidates = append(candidates, candidate{m[0], time.Date(y, time.Month(mo), d, 0, 0, 0, 0, time.UTC)})
		}
	}
	for _, m := range longDateRe.FindAllStringSubmatchIndex(haystack, -1) {
		mo := monthIndex[strings.ToLower(haystack[m[2]:m[3]])]
		d, _ := strconv.Atoi(haystack[m[4]:m[5]])
		y, _ := strconv.Atoi(haystack[m[6]:m[7]])
		if d >= 1 && d <= 31 {
			candidates = append(candidates, candidate{m[0], time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)})
		}
	}

	minDate := now.AddDate(0, 0, -1)
	maxDate := now.AddDate(0, 0, 400)
	for _, kw := range keywords {
		for _, c := range candidates {
			if c.index < kw[0]-renewalDateProximity || c.index > kw[1]+renewalDateProximity {
				continue
			}
			if c.date.Before(minDate) || c.date.After(maxDate) {
				continue
			}
			return c.date.Format("2006-01-02")
		}
	}
	return ""
}

var planLabelRe = regexp.MustCompile(`(?i)(?:plan|membership|subscription)\s*:\s*([^\r\n<]{2,48})`)

var planSuffixRe = regexp.MustCompile(`([A-Z][A-Za-z0-9+&' ]{2,32})\s*\((Monthly|Yearly|Weekly)\)`)

// ExtractPlan pulls a plan label like "Plan: Premium" or
// "Standard (Monthly)".
func ExtractPlan(haystack string) string {
	if m := planLabelRe.FindStringSubmatch(haystack); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := planSuffixRe.FindStringSubmatch(haystack); m != nil {
		return strings.TrimSpace(m[1]) + " (" + m[2] + ")"
	}
	return ""
}

var platformLineRes = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^\s*app\s*:\s*(.+)$`),
	regexp.MustCompile(`(?im)^\s*subscription\s*:\s*(.+)$`),
	regexp.MustCompile(`(?im)^\s*developer\s*:\s*(.+)$`),
	regexp.MustCompile(`(?i)you paid to ([^\r\n.,]{2,48})`),
	regexp.MustCompile(`(?i)subscription to ([^\r\n.,]{2,48})`),
}

// ExtractPlatformMerchant pulls the underlying merchant out of an
// Apple/PayPal/Google Play aggregator receipt. Structured lines like
// "App: LinkedIn: Network & Job Finder" reduce to the leading name.
func ExtractPlatformMerchant(haystack string) string {
	for _, re := range platformLineRes {
		m := re.FindStringSubmatch(haystack)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[1])
		if i := strings.Index(value, ":"); i > 0 {
			value = strings.TrimSpace(value[:i])
		}
		value = strings.TrimRight(value, " .")
		if len(value) >= 2 {
			return value
		}
	}
	return ""
}

var eventTypePatterns = []struct {
	eventType domain.CandidateEventType
	re        *regexp.Regexp
}{
	{domain.EventPaymentFailed, regexp.MustCompile(`(?i)(payment failed|payment was declined|card was declined|could(?:n't| not) process your payment|payment unsuccessful|problem with your payment)`)},
	{domain.EventPaused, regexp.MustCompile(`(?i)(subscription (?:is )?paused|membership (?:is )?on hold|account (?:is )?paused)`)},
	{domain.EventCancellation, regexp.MustCompile(`(?i)(subscription (?:has been |was )?cancell?ed|cancellation confirm|membership (?:has )?ended)`)},
	{domain.EventTrial, regexp.MustCompile(`(?i)(trial ends|trial will end|free trial|trial period|trial expires)`)},
	{domain.EventReceipt, regexp.MustCompile(`(?i)(receipt|you paid|payment successful|payment received|we charged|you were charged|your card was charged|order confirmation|invoice)`)},
	{domain.EventRenewal, regexp.MustCompile(`(?i)(renew(s|al|ed)?\b|next billing date)`)},
}

// DetectEventType classifies the billing event a message describes.
func DetectEventType(haystack string, flags Flags, hasAmount bool) domain.CandidateEventType {
	for _, p := range eventTypePatterns {
		if p.re.MatchString(haystack) {
			return p.eventType
		}
	}
	if flags.LikelyTransactional {
		if hasAmount {
			return domain.EventBillingSignal
		}
		return domain.EventBillingSignalNoAmount
	}
	if flags.MarketingHeavy {
		return domain.EventMarketing
	}
	return domain.EventUnknownType
}
