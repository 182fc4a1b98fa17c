package descriptor

import (
	"errors"
	"testing"

	"github.com/opencontainers/go-digest"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		in      string
		want    Descriptor
		wantErr bool
	}{
		{
			in: "foo-1.0-1.x86_64.rpm",
			want: Descriptor{
				Name: "foo", Version: "1.0", Release: "1",
				Arch: "x86_64", Format: FormatRPM,
			},
		},
		{
			in: "my_package-1.0.0-1.el8.noarch.rpm",
			want: Descriptor{
				Name: "my_package", Version: "1.0.0", Release: "1.el8",
				Arch: "noarch", DistTag: "el8", Format: FormatRPM,
			},
		},
		{
			in: "bar-2:3.4-5.el9.aarch64.rpm",
			want: Descriptor{
				Name: "bar", Epoch: 2, Version: "3.4", Release: "5.el9",
				Arch: "aarch64", DistTag: "el9", Format: FormatRPM,
			},
		},
		{
			in: "some/dir/baz-1.2-3.fc39.s390x.rpm",
			want: Descriptor{
				Name: "baz", Version: "1.2", Release: "3.fc39",
				Arch: "s390x", DistTag: "fc39", Format: FormatRPM,
			},
		},
		{in: "not-an-rpm.txt", wantErr: true},
		{in: "noversion.rpm", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFilename(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("ParseFilename(%q): expected ErrMalformed, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseFilename(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseFilename(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestReleaseVer(t *testing.T) {
	d := Descriptor{Release: "1.el8", DistTag: "el8"}
	if got := d.ReleaseVer(); got != "8" {
		t.Fatalf("ReleaseVer() = %q, want 8", got)
	}
	d = Descriptor{Release: "1"}
	if got := d.ReleaseVer(); got != "" {
		t.Fatalf("ReleaseVer() = %q, want empty", got)
	}
}

func TestNEVRA(t *testing.T) {
	d := Descriptor{Name: "foo", Version: "1.0", Release: "1.el8", Arch: "x86_64"}
	if got := d.NEVRA(); got != "foo-1.0-1.el8.x86_64" {
		t.Fatalf("NEVRA() = %q", got)
	}
	d.Epoch = 2
	if got := d.NEVRA(); got != "foo-2:1.0-1.el8.x86_64" {
		t.Fatalf("NEVRA() with epoch = %q", got)
	}
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := Inspect("foo-1.0-1.x86_64.rpm", []byte("not a valid RPM file"), digest.SHA256)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	_, err = Inspect("foo-1.0-1.x86_64.rpm", nil, digest.SHA256)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed for empty data, got %v", err)
	}
}

func TestDistTag(t *testing.T) {
	tests := []struct{ release, want string }{
		{"1.el8", "el8"},
		{"5", ""},
		{"2.fc39", "fc39"},
	}
	for _, tt := range tests {
		if got := distTag(tt.release); got != tt.want {
			t.Errorf("distTag(%q) = %q, want %q", tt.release, got, tt.want)
		}
	}
}
