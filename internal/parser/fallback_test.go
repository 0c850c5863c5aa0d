package parser

import (
	"reflect"
	"testing"
)

func TestRecoverCues(t *testing.T) {
	tests := []struct {
		name         string
		input        string
		wantRecovery Recovery
		want         []Cue
	}{
		{
			name:         "corrupted stamps get placeholders",
			input:        "xx --> yy\nBroken\n",
			wantRecovery: RecoveryCues,
			want:         []Cue{{Start: PlaceholderStart, End: PlaceholderEnd, Text: "Broken"}},
		},
		{
			name:         "bracketed stamps are kept when they normalize",
			input:        "WEBVTT\n\n[00:00:01.000] --> [00:00:02.500]\nbracketed\n",
			wantRecovery: RecoveryCues,
			want:         []Cue{{Start: "00:00:01.000", End: "00:00:02.500", Text: "bracketed"}},
		},
		{
			name:         "one bad stamp replaces both",
			input:        "00:00:01.000 --> soon\nhalf\n",
			wantRecovery: RecoveryCues,
			want:         []Cue{{Start: PlaceholderStart, End: PlaceholderEnd, Text: "half"}},
		},
		{
			name:         "multi-line and several cues",
			input:        "WEBVTT\n\nstart --> end\nline one\nline two\n\n?? --> ??\nagain\n",
			wantRecovery: RecoveryCues,
			want: []Cue{
				{Start: PlaceholderStart, End: PlaceholderEnd, Text: "line one line two"},
				{Start: PlaceholderStart, End: PlaceholderEnd, Text: "again"},
			},
		},
		{
			name:         "plain text becomes one wide segment",
			input:        "WEBVTT\nJust some plain\n\ntext here\n",
			wantRecovery: RecoveryWholeDocument,
			want:         []Cue{{Start: PlaceholderStart, End: PlaceholderDocEnd, Text: "Just some plain text here"}},
		},
		{
			name:         "separator without text falls through to whole document",
			input:        "xx --> yy\n\n",
			wantRecovery: RecoveryWholeDocument,
			want:         []Cue{{Start: PlaceholderStart, End: PlaceholderDocEnd, Text: "xx --> yy"}},
		},
		{
			name:         "header only",
			input:        "WEBVTT",
			wantRecovery: RecoveryWholeDocument,
			want:         []Cue{{Start: PlaceholderStart, End: PlaceholderDocEnd, Text: ""}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, recovery := RecoverCues(tt.input)
			if recovery != tt.wantRecovery {
				t.Errorf("recovery = %v, want %v", recovery, tt.wantRecovery)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("RecoverCues() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestRecovery_String(t *testing.T) {
	names := map[Recovery]string{
		RecoveryNone:          "strict",
		RecoveryCues:          "recovered-cues",
		RecoveryWholeDocument: "whole-document",
		Recovery(9):           "unknown",
	}
	for r, want := range names {
		if got := r.String(); got != want {
			t.Errorf("Recovery(%d).String() = %q, want %q", r, got, want)
		}
	}
}
