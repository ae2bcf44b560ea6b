package feed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".yml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestConfigCacheLoadValidConfig(t *testing.T) {
	tempDir := t.TempDir()

	writeConfig(t, tempDir, "test", `
url: "https://example.com/feed.xml"
title: "Example"
tags:
  - tech
  - news

settings:
  enabled: false
  timeout: 15

filters:
  - field: "title"
    includes:
      - "technology"
    excludes:
      - "spam"
`)

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	if configCache.GetConfigCount() != 1 {
		t.Errorf("Expected 1 feedConfig, got %d", configCache.GetConfigCount())
	}

	feedConfig, err := configCache.GetConfig("test")
	if err != nil {
		t.Fatal(err)
	}

	if feedConfig.Name != "test" {
		t.Errorf("Expected name 'test', got '%s'", feedConfig.Name)
	}
	if feedConfig.URL != "https://example.com/feed.xml" {
		t.Errorf("Expected URL 'https://example.com/feed.xml', got '%s'", feedConfig.URL)
	}
	if feedConfig.Title != "Example" {
		t.Errorf("Expected title 'Example', got '%s'", feedConfig.Title)
	}
	if len(feedConfig.Tags) != 2 || feedConfig.Tags[0] != "tech" {
		t.Errorf("Expected tags [tech news], got %v", feedConfig.Tags)
	}
	if feedConfig.Settings.IsEnabled() {
		t.Error("Expected feed to be disabled")
	}
	if feedConfig.Settings.Timeout != 15 {
		t.Errorf("Expected timeout 15, got %d", feedConfig.Settings.Timeout)
	}
	if len(feedConfig.Filters) != 1 {
		t.Errorf("Expected 1 filter, got %d", len(feedConfig.Filters))
	}
}

func TestConfigCacheLoadConfigWithDefaults(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "minimal", `url: "https://example.com/feed.xml"`)

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	feedConfig, err := configCache.GetConfig("minimal")
	if err != nil {
		t.Fatal(err)
	}

	if !feedConfig.Settings.IsEnabled() {
		t.Error("Expected feed to be enabled by default")
	}
	if feedConfig.Settings.Timeout != 0 {
		t.Errorf("Expected timeout 0, got %d", feedConfig.Settings.Timeout)
	}
}

func TestConfigCacheInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errPart string
	}{
		{"missing url", `title: "x"`, "feed URL is required"},
		{"relative url", `url: "/feed.xml"`, "must be absolute"},
		{"negative timeout", "url: \"https://x/feed\"\nsettings:\n  timeout: -1", "timeout must be non-negative"},
		{"bad filter field", "url: \"https://x/feed\"\nfilters:\n  - field: categories\n    includes: [a]", "invalid filter field"},
		{"empty filter", "url: \"https://x/feed\"\nfilters:\n  - field: title", "at least one include or exclude"},
		{"bad yaml", "url: [", "failed to parse YAML"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			writeConfig(t, tempDir, "broken", tt.content)

			err := NewConfigCache(tempDir).Run()
			if err == nil {
				t.Fatal("Expected error for invalid config")
			}
			if !strings.Contains(err.Error(), tt.errPart) {
				t.Errorf("Expected error containing %q, got %v", tt.errPart, err)
			}
		})
	}
}

func TestConfigCacheEmptyDirectory(t *testing.T) {
	configCache := NewConfigCache(filepath.Join(t.TempDir(), "missing"))
	if err := configCache.Run(); err != nil {
		t.Fatalf("Expected no error for missing directory, got %v", err)
	}
	if configCache.GetConfigCount() != 0 {
		t.Errorf("Expected 0 configs, got %d", configCache.GetConfigCount())
	}
}

func TestConfigCacheReloadDropsRemovedFiles(t *testing.T) {
	tempDir := t.TempDir()
	writeConfig(t, tempDir, "one", `url: "https://example.com/one.xml"`)
	writeConfig(t, tempDir, "two", `url: "https://example.com/two.xml"`)

	configCache := NewConfigCache(tempDir)
	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}
	if configCache.GetConfigCount() != 2 {
		t.Fatalf("Expected 2 configs, got %d", configCache.GetConfigCount())
	}

	if err := os.Remove(filepath.Join(tempDir, "two.yml")); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, tempDir, "one", `url: "https://example.com/one-moved.xml"`)

	if err := configCache.Run(); err != nil {
		t.Fatal(err)
	}

	configs := configCache.GetConfigs()
	if len(configs) != 1 {
		t.Fatalf("Expected 1 config after reload, got %d", len(configs))
	}
	if configs["one"].URL != "https://example.com/one-moved.xml" {
		t.Errorf("Expected reloaded URL, got %s", configs["one"].URL)
	}
}

func TestConfigCacheGetConfigNotFound(t *testing.T) {
	_, err := NewConfigCache(t.TempDir()).GetConfig("nope")
	if err == nil {
		t.Fatal("Expected error for missing config")
	}
	if !strings.Contains(err.Error(), "'nope' not found") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestConfigCacheLoadConfig(t *testing.T) {
	tempDir := t.TempDir()
	configCache := NewConfigCache(tempDir)
	writeConfig(t, tempDir, "late", `url: "https://example.com/late.xml"`)

	feedConfig, err := configCache.LoadConfig("late")
	if err != nil {
		t.Fatal(err)
	}
	if feedConfig.Name != "late" {
		t.Errorf("Expected name 'late', got %s", feedConfig.Name)
	}
	if _, err := configCache.GetConfig("late"); err != nil {
		t.Errorf("Expected loaded config to be cached, got %v", err)
	}
}
