package credentials

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestParseConnectionString(t *testing.T) {
	t.Parallel()

	for s, w := range map[string]*Credentials{
		"HostName=test.azure-devices.net;DeviceId=devnull;SharedAccessKey=c2VjcmV0": {
			HostName:            "test.azure-devices.net",
			DeviceID:            "devnull",
			SharedAccessKey:     "c2VjcmV0",
			SharedAccessKeyName: "",
		},
		"HostName=test.azure-devices.net;SharedAccessKeyName=device;SharedAccessKey=c2VjcmV0": {
			HostName:            "test.azure-devices.net",
			DeviceID:            "",
			SharedAccessKey:     "c2VjcmV0",
			SharedAccessKeyName: "device",
		},
		"HostName=test.azure-devices.net;DeviceId=dev1;ModuleId=mod1;SharedAccessKey=c2VjcmV0": {
			HostName:        "test.azure-devices.net",
			DeviceID:        "dev1",
			ModuleID:        "mod1",
			SharedAccessKey: "c2VjcmV0",
		},
	} {
		g, err := ParseConnectionString(s)
		if err != nil {
			t.Fatal(err)
		}
		// SAS and X509 are func/pointer fields go-cmp can't compare by value;
		// neither is ever populated by ParseConnectionString.
		if diff := cmp.Diff(w, g, cmpopts.IgnoreFields(Credentials{}, "SAS", "X509")); diff != "" {
			t.Errorf("ParseConnectionString(%q) mismatch (-want +got):\n%s", s, diff)
		}
	}
}

func TestParseConnectionStringMalformed(t *testing.T) {
	t.Parallel()

	if _, err := ParseConnectionString("HostName"); err == nil {
		t.Fatal("expected an error for a malformed connection string")
	}
}

func TestCredentials_GenerateToken(t *testing.T) {
	t.Parallel()

	c, err := ParseConnectionString("HostName=test.azure-devices.net;DeviceId=devnull;SharedAccessKey=c2VjcmV0")
	if err != nil {
		t.Fatal(err)
	}

	g, err := c.GenerateToken(c.HostName+"/devices/test",
		WithDuration(time.Hour),
		WithCurrentTime(time.Date(2017, 1, 1, 1, 1, 1, 0, time.UTC)),
	)
	if err != nil {
		t.Fatal(err)
	}

	w := "SharedAccessSignature sr=test.azure-devices.net%2Fdevices%2Ftest&sig=IMr3Y5GKbdixQSt96QgIEymAURnu3qzLvEHhGHPLxrU%3D&se=1483236061&skn="
	if g != w {
		t.Errorf("GenerateToken(time.Hour) = %q, want %q", g, w)
	}
}

func TestCredentials_GenerateTokenEmptyURI(t *testing.T) {
	t.Parallel()

	c := &Credentials{SharedAccessKey: "c2VjcmV0"}
	if _, err := c.GenerateToken(""); err == nil {
		t.Fatal("expected an error for a blank uri")
	}
}

func TestCredentials_GenerateTokenNoKey(t *testing.T) {
	t.Parallel()

	c := &Credentials{}
	if _, err := c.GenerateToken("test.azure-devices.net/devices/test"); err == nil {
		t.Fatal("expected an error when no SharedAccessKey or SAS override is set")
	}
}

func TestCredentials_GenerateTokenOverride(t *testing.T) {
	t.Parallel()

	c := &Credentials{
		SAS: func(uri string, opts ...TokenOption) (string, error) {
			return "custom " + uri, nil
		},
	}
	g, err := c.GenerateToken("test.azure-devices.net/devices/test")
	if err != nil {
		t.Fatal(err)
	}
	if w := "custom test.azure-devices.net/devices/test"; g != w {
		t.Errorf("GenerateToken() = %q, want %q", g, w)
	}
}

func TestCredentials_Audience(t *testing.T) {
	t.Parallel()

	c := &Credentials{HostName: "test.azure-devices.net", DeviceID: "dev1"}
	if w := "test.azure-devices.net/devices/dev1"; c.Audience() != w {
		t.Errorf("Audience() = %q, want %q", c.Audience(), w)
	}

	c.ModuleID = "mod1"
	if w := "test.azure-devices.net/devices/dev1/modules/mod1"; c.Audience() != w {
		t.Errorf("Audience() with module = %q, want %q", c.Audience(), w)
	}
}
