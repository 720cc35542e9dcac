package coreset

import "testing"

func TestForNameReturnsTypedCore(t *testing.T) {
	tests := []struct {
		name string
		want Core
	}{
		{name: "sha1", want: HashCore{}},
		{name: "sha2-256", want: HashCore{}},
		{name: "sha2-512", want: HashCore{}},
		{name: "modexp-crt-p", want: ModexpCore{}},
		{name: "modexp-crt-q", want: ModexpCore{}},
		{name: "aes", want: AESCore{}},
		{name: "csprng", want: CSPRNGCore{}},
		{name: "mkm", want: MKMCore{}},
		{name: "unknown-core", want: instant{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ForName(tt.name)
			if got != tt.want {
				t.Fatalf("ForName(%q) = %#v, want %#v", tt.name, got, tt.want)
			}
		})
	}
}

func TestStepAlwaysReportsReadyAndValid(t *testing.T) {
	cores := []Core{
		HashCore{}, AESCore{}, ModexpCore{}, CSPRNGCore{}, MKMCore{}, instant{},
	}
	for _, c := range cores {
		for _, ctrl := range []uint32{0, 1, 0xFFFFFFFF} {
			status := c.Step(ctrl)
			if status&StatusReady == 0 || status&StatusValid == 0 {
				t.Fatalf("%#v.Step(%#x) = %#x, want ready|valid set", c, ctrl, status)
			}
		}
	}
}
