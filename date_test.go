package gofat

import (
	"testing"
	"time"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input uint16
		want  time.Time
	}{
		{
			name:  "epoch",
			input: 0<<9 | 1<<5 | 1,
			want:  time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "some date",
			input: 41<<9 | 3<<5 | 14,
			want:  time.Date(2021, 3, 14, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "last date",
			input: 127<<9 | 12<<5 | 31,
			want:  time.Date(2107, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:  "zero",
			input: 0,
			want:  time.Time{},
		},
		{
			name:  "month zero",
			input: 41<<9 | 0<<5 | 14,
			want:  time.Time{},
		},
		{
			name:  "month overflow",
			input: 41<<9 | 13<<5 | 1,
			want:  time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseDate(tt.input); !got.Equal(tt.want) {
				t.Errorf("ParseDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	tests := []struct {
		name  string
		input uint16
		want  time.Time
	}{
		{
			name:  "midnight",
			input: 0,
			want:  time.Time{},
		},
		{
			name:  "some time",
			input: 15<<11 | 9<<5 | 13,
			want:  time.Date(1, 1, 1, 15, 9, 26, 0, time.UTC),
		},
		{
			name:  "last time",
			input: 23<<11 | 59<<5 | 29,
			want:  time.Date(1, 1, 1, 23, 59, 58, 0, time.UTC),
		},
		{
			name:  "overflow is limited",
			input: 31<<11 | 63<<5 | 31,
			want:  time.Date(1, 1, 1, 23, 59, 59, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseTime(tt.input); !got.Equal(tt.want) {
				t.Errorf("ParseTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEncodeDateTime(t *testing.T) {
	tests := []struct {
		name      string
		input     time.Time
		wantDate  uint16
		wantTime  uint16
		wantTenth byte
	}{
		{
			name:      "some time",
			input:     time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC),
			wantDate:  41<<9 | 3<<5 | 14,
			wantTime:  15<<11 | 9<<5 | 13,
			wantTenth: 0,
		},
		{
			name:      "odd second",
			input:     time.Date(2021, 3, 14, 15, 9, 27, 500000000, time.UTC),
			wantDate:  41<<9 | 3<<5 | 14,
			wantTime:  15<<11 | 9<<5 | 13,
			wantTenth: 150,
		},
		{
			name:      "other zone is stored as UTC",
			input:     time.Date(2021, 3, 14, 23, 30, 0, 0, time.FixedZone("UTC-2", -2*60*60)),
			wantDate:  41<<9 | 3<<5 | 15,
			wantTime:  1<<11 | 30<<5 | 0,
			wantTenth: 0,
		},
		{
			name:      "before 1980",
			input:     time.Date(1970, 1, 1, 12, 0, 0, 0, time.UTC),
			wantDate:  0<<9 | 1<<5 | 1,
			wantTime:  0,
			wantTenth: 0,
		},
		{
			name:      "after 2107",
			input:     time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC),
			wantDate:  127<<9 | 12<<5 | 31,
			wantTime:  23<<11 | 59<<5 | 29,
			wantTenth: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeDate(tt.input); got != tt.wantDate {
				t.Errorf("EncodeDate() = %#x, want %#x", got, tt.wantDate)
			}
			if got := EncodeTime(tt.input); got != tt.wantTime {
				t.Errorf("EncodeTime() = %#x, want %#x", got, tt.wantTime)
			}
			if got := encodeTenth(tt.input); got != tt.wantTenth {
				t.Errorf("encodeTenth() = %v, want %v", got, tt.wantTenth)
			}
		})
	}
}

func Test_combineDateTime(t *testing.T) {
	tests := []struct {
		name  string
		date  uint16
		clock uint16
		tenth byte
		want  time.Time
	}{
		{
			name:  "with tenth",
			date:  41<<9 | 3<<5 | 14,
			clock: 15<<11 | 9<<5 | 13,
			tenth: 150,
			want:  time.Date(2021, 3, 14, 15, 9, 27, 500000000, time.UTC),
		},
		{
			name:  "invalid date",
			date:  0,
			clock: 15<<11 | 9<<5 | 13,
			want:  time.Time{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := combineDateTime(tt.date, tt.clock, tt.tenth); !got.Equal(tt.want) {
				t.Errorf("combineDateTime() = %v, want %v", got, tt.want)
			}
		})
	}
}

func Test_dateTimeRoundTrip(t *testing.T) {
	zones := []*time.Location{time.UTC, time.Local, time.FixedZone("UTC+5:30", 5*60*60+30*60), time.FixedZone("UTC-8", -8*60*60)}
	for _, zone := range zones {
		t.Run(zone.String(), func(t *testing.T) {
			input := time.Date(2021, 3, 14, 0, 30, 42, 120000000, zone)
			got := combineDateTime(EncodeDate(input), EncodeTime(input), encodeTenth(input))
			if !got.Equal(input) {
				t.Errorf("combineDateTime() = %v, want %v", got, input.UTC())
			}
		})
	}
}
