package config

import (
	"os"
	"testing"

	"github.com/spf13/viper"

	"semnet/internal/testutil"
)

func TestLoadConfigDefault(t *testing.T) {
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(".."); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")
	if AppConfig.Storage.Dir != "data" {
		t.Fatalf("unexpected storage dir: %s", AppConfig.Storage.Dir)
	}
	if AppConfig.Engine.SnapshotInterval != 256 {
		t.Fatalf("unexpected snapshot interval: %d", AppConfig.Engine.SnapshotInterval)
	}
}

func TestLoadConfigSandbox(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("NewSandbox failed: %v", err)
	}
	defer sb.Cleanup()

	if err := os.Mkdir(sb.Path("config"), 0700); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}

	data := []byte("engine:\n  snapshot_interval: 16\nstorage:\n  dir: sandbox-data\n")
	if err := sb.WriteFile("config/default.yaml", data, 0600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd failed: %v", err)
	}
	defer os.Chdir(wd)
	viper.Reset()

	if err := os.Chdir(sb.Root); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	LoadConfig("")

	if AppConfig.Storage.Dir != "sandbox-data" {
		t.Fatalf("expected storage dir sandbox-data, got %s", AppConfig.Storage.Dir)
	}
	if AppConfig.Engine.SnapshotInterval != 16 {
		t.Fatalf("expected snapshot interval 16, got %d", AppConfig.Engine.SnapshotInterval)
	}
}
