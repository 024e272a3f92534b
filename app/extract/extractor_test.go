package extract

import (
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const emptySHA256 = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

func TestExtractCVEs(t *testing.T) {
	text := "Fixes cve-2024-3400 and CVE-2023-46805; also CVE-2024-3400 again. CVE-2021-44228123 is too long."

	got := Extract(text).CVEs
	want := []string{"CVE-2024-3400", "CVE-2023-46805"}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected CVEs (-want +got):\n%s", diff)
	}
}

func TestPrimaryCVE(t *testing.T) {
	if Extract("no identifiers here").PrimaryCVE() != nil {
		t.Error("Expected nil primary CVE")
	}

	primary := Extract("CVE-2024-21887 chained with CVE-2023-46805").PrimaryCVE()
	if primary == nil || *primary != "CVE-2024-21887" {
		t.Errorf("Expected first CVE, got: %v", primary)
	}
}

func TestExtractIOCs(t *testing.T) {
	text := fmt.Sprintf(`C2 at 203.0.113.45 and 198.51.100.7 (not 999.1.1.1).
Payload hash %s.
Beacon to https://update-check.example/gate.php?id=1, contact ops@Evil-Corp.example.
Seen again: 203.0.113.45 and %s`, strings.ToUpper(emptySHA256), emptySHA256)

	got := Extract(text).IOCs
	want := []IOC{
		{KindIPv4, "203.0.113.45"},
		{KindIPv4, "198.51.100.7"},
		{KindSHA256, emptySHA256},
		{KindDomain, "update-check.example"},
		{KindDomain, "gate.php"},
		{KindDomain, "evil-corp.example"},
		{KindURL, "https://update-check.example/gate.php?id=1"},
		{KindEmail, "ops@evil-corp.example"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Unexpected IOCs (-want +got):\n%s", diff)
	}
}

func TestExtractDomainNotPrecededByHyphen(t *testing.T) {
	got := Extract("build -release.example and good.example").IOCs

	for _, ioc := range got {
		if ioc.Value == "release.example" {
			t.Error("Expected domain preceded by a hyphen to be skipped")
		}
	}
	if len(got) != 1 || got[0].Value != "good.example" {
		t.Errorf("Expected only good.example, got: %v", got)
	}
}

func TestExtractNormalizesUnicode(t *testing.T) {
	// Fullwidth digits and letters fold to ASCII under NFKC.
	got := Extract("ＣＶＥ-２０２４-１２３４ from １９２.０.２.１")

	if diff := cmp.Diff([]string{"CVE-2024-1234"}, got.CVEs); diff != "" {
		t.Errorf("Unexpected CVEs (-want +got):\n%s", diff)
	}
	if len(got.IOCs) != 1 || got.IOCs[0] != (IOC{KindIPv4, "192.0.2.1"}) {
		t.Errorf("Expected normalized IPv4, got: %v", got.IOCs)
	}
}

func TestExtractCap(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, "10.0.%d.%d ", i/256, i%256)
	}
	b.WriteString("last.example")

	got := Extract(b.String()).IOCs
	if len(got) != MaxIOCs {
		t.Fatalf("Expected %d IOCs, got: %d", MaxIOCs, len(got))
	}
	for _, ioc := range got {
		if ioc.Kind != KindIPv4 {
			t.Fatalf("Expected the cap to keep the earliest kinds, got: %v", ioc)
		}
	}
}

func TestExtractEmpty(t *testing.T) {
	got := Extract("")
	if len(got.CVEs) != 0 || len(got.IOCs) != 0 {
		t.Errorf("Expected empty result, got: %+v", got)
	}
	if got.CVEs == nil || got.IOCs == nil {
		t.Error("Expected empty slices rather than nil")
	}
}
