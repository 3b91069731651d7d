package backends

import "testing"

func TestRcloneProgramOption(t *testing.T) {
	tests := []struct {
		name   string
		goos   string
		site   string
		rclone string
		want   string
	}{
		{
			name:   "not windows",
			goos:   "linux",
			site:   "/home/jane/Local Sites/blog",
			rclone: "/opt/cloudsnap/bin/rclone",
			want:   "",
		},
		{
			name:   "no rclone path",
			goos:   "windows",
			site:   `C:\Users\jane\Local Sites\blog`,
			want:   "",
		},
		{
			name:   "windows relative with short names",
			goos:   "windows",
			site:   `C:\Users\Jane Doe\Local Sites\blog`,
			rclone: `C:\Program Files\Local\resources\extraResources\bin\rclone.exe`,
			want:   "rclone.program=../../../../PROGRA~1/Local/resources/extraResources/bin/rclone.exe",
		},
		{
			name:   "windows drive letter case differs",
			goos:   "windows",
			site:   `c:\sites\blog`,
			rclone: `C:\sites\bin\rclone.exe`,
			want:   "rclone.program=../bin/rclone.exe",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RcloneProgramOption(tt.goos, tt.site, tt.rclone); got != tt.want {
				t.Errorf("RcloneProgramOption() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWindowsRelativeProgram_OtherVolume(t *testing.T) {
	got := WindowsRelativeProgram(`D:\sites\blog`, `C:\tools\rclone.exe`)
	if got != "C:/tools/rclone.exe" {
		t.Errorf("WindowsRelativeProgram() = %q", got)
	}
}

func TestShortSegment(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Program Files", "PROGRA~1"},
		{"Program Files (x86)", "PROGRA~1"},
		{"Jane Doe", "JANEDO~1"},
		{"My App", "MYAPP~1"},
		{"release notes.text file", "RELEAS~1.TEX"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ShortSegment(tt.in); got != tt.want {
				t.Errorf("ShortSegment(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
