package domain

import (
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestWithinTolerance(t *testing.T) {
	band := WirItem{
		Base:  decimal.NewNullDecimal(decimal.RequireFromString("150")),
		Plus:  decimal.NewNullDecimal(decimal.RequireFromString("10")),
		Minus: decimal.NewNullDecimal(decimal.RequireFromString("-5")),
	}
	cases := []struct {
		item WirItem
		v    string
		want bool
	}{
		{band, "150", true},
		{band, "160", true},
		{band, "160.01", false},
		{band, "145", true},
		{band, "144.9", false},
		{WirItem{}, "9999", true},
		{WirItem{Base: decimal.NewNullDecimal(decimal.RequireFromString("600"))}, "600.0", true},
		{WirItem{Base: decimal.NewNullDecimal(decimal.RequireFromString("600"))}, "601", false},
	}
	for _, tc := range cases {
		if got := tc.item.WithinTolerance(decimal.RequireFromString(tc.v)); got != tc.want {
			t.Errorf("WithinTolerance(%s) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestTimestampSortsLikeTime(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.FixedZone("IST", 5*3600+1800))
	times := []time.Time{
		base.Add(100 * time.Millisecond),
		base,
		base.Add(time.Nanosecond),
		base.Add(10 * time.Millisecond),
	}
	var stamps []string
	for _, tm := range times {
		stamps = append(stamps, Timestamp(tm))
	}
	sort.Strings(stamps)
	want := []string{
		"2026-01-01T21:34:05.000000000Z",
		"2026-01-01T21:34:05.000000001Z",
		"2026-01-01T21:34:05.010000000Z",
		"2026-01-01T21:34:05.100000000Z",
	}
	for i := range want {
		if stamps[i] != want[i] {
			t.Fatalf("stamp %d = %s, want %s", i, stamps[i], want[i])
		}
	}
}

func TestActorLabel(t *testing.T) {
	id, name, empty := "u-1", "Ana", ""
	cases := []struct {
		a    Actor
		want string
	}{
		{Actor{}, SystemActor},
		{Actor{UserID: &id}, "u-1"},
		{Actor{UserID: &id, DisplayName: &name}, "Ana"},
		{Actor{UserID: &id, DisplayName: &empty}, "u-1"},
	}
	for _, tc := range cases {
		if got := tc.a.Label(); got != tc.want {
			t.Errorf("Label() = %q, want %q", got, tc.want)
		}
	}
}
