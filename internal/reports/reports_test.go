package reports

import (
	"errors"
	"testing"
)

func TestParseCity(t *testing.T) {
	tests := []struct {
		in      string
		want    City
		wantErr bool
	}{
		{"sf", CitySF, false},
		{"SF", CitySF, false},
		{" boston ", CityBoston, false},
		{"NYC", CityNYC, false},
		{"chicago", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCity(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidCity) {
				t.Errorf("ParseCity(%q) err = %v, want ErrInvalidCity", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseCity(%q) = (%q, %v), want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestVoteDeltas(t *testing.T) {
	tests := []struct {
		name     string
		action   VoteAction
		previous VoteAction
		up, down int
	}{
		{"first upvote", VoteUp, "", 1, 0},
		{"first downvote", VoteDown, "", 0, 1},
		{"flip down to up", VoteUp, VoteDown, 1, -1},
		{"flip up to down", VoteDown, VoteUp, -1, 1},
		{"remove upvote", VoteRemove, VoteUp, -1, 0},
		{"remove downvote", VoteRemove, VoteDown, 0, -1},
		{"remove with no previous", VoteRemove, "", 0, 0},
		{"repeat upvote", VoteUp, VoteUp, 1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up, down := VoteDeltas(tt.action, tt.previous)
			if up != tt.up || down != tt.down {
				t.Errorf("VoteDeltas(%s, %s) = (%d, %d), want (%d, %d)",
					tt.action, tt.previous, up, down, tt.up, tt.down)
			}
		})
	}
}

func TestParseVoteAction(t *testing.T) {
	for _, valid := range []string{"up", "down", "remove"} {
		if _, err := ParseVoteAction(valid); err != nil {
			t.Errorf("ParseVoteAction(%q) = %v", valid, err)
		}
	}
	if _, err := ParseVoteAction("sideways"); !errors.Is(err, ErrInvalidVote) {
		t.Errorf("err = %v, want ErrInvalidVote", err)
	}
}

func TestGeocodeLabel(t *testing.T) {
	if got := CityNYC.GeocodeLabel(); got != "New York, NY" {
		t.Errorf("NYC label = %q", got)
	}
	if got := CitySF.GeocodeLabel(); got != "San Francisco, CA" {
		t.Errorf("SF label = %q", got)
	}
}
