package version

import "testing"

func TestStamp(t *testing.T) {
	oldVersion, oldCommit, oldTime := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = oldVersion, oldCommit, oldTime })

	if got := String(); got != "ubws dev (unknown) built unknown" {
		t.Errorf("String() = %q with defaults", got)
	}
	if got := UserAgent(); got != "ubws/dev (unknown)" {
		t.Errorf("UserAgent() = %q with defaults", got)
	}

	Version, Commit, BuildTime = "1.2.0", "abc1234", "2024-01-15T12:00:00Z"
	if got, want := String(), "ubws 1.2.0 (abc1234) built 2024-01-15T12:00:00Z"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := UserAgent(), "ubws/1.2.0 (abc1234)"; got != want {
		t.Errorf("UserAgent() = %q, want %q", got, want)
	}
}
