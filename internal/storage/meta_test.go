package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/wagnerlima/memory-cloud/tracevault/internal/snapshot"
)

func tempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tracevault-test-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func openMeta(t *testing.T, dir string, opts ...MetaOption) *MetaStore {
	t.Helper()
	meta, err := OpenMeta(dir, opts...)
	if err != nil {
		t.Fatalf("OpenMeta: %v", err)
	}
	t.Cleanup(func() { meta.Close() })
	return meta
}

func TestOpenMeta(t *testing.T) {
	dir := tempDir(t)
	openMeta(t, dir)

	for _, sub := range []string{"projects", "archive"} {
		if _, err := os.Stat(filepath.Join(dir, sub)); err != nil {
			t.Errorf("Expected %s dir to exist: %v", sub, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "_meta.db")); err != nil {
		t.Errorf("Expected _meta.db to exist: %v", err)
	}
}

func TestOpenMetaUnknownBackend(t *testing.T) {
	if _, err := OpenMeta(tempDir(t), WithBackend("postgres")); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestCreateAndGetProject(t *testing.T) {
	for _, backend := range []string{BackendSQLite, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := tempDir(t)
			meta := openMeta(t, dir, WithBackend(backend))

			proj, err := meta.CreateProject("test-project", "A test project")
			if err != nil {
				t.Fatalf("CreateProject: %v", err)
			}
			if proj.Name != "test-project" {
				t.Errorf("Name = %q, want %q", proj.Name, "test-project")
			}
			if proj.Description != "A test project" {
				t.Errorf("Description = %q, want %q", proj.Description, "A test project")
			}
			if proj.Status != "active" {
				t.Errorf("Status = %q, want %q", proj.Status, "active")
			}
			if backend == BackendBadger && !strings.HasSuffix(proj.DBPath, ".badger") {
				t.Errorf("DBPath = %q, want .badger suffix", proj.DBPath)
			}

			if _, err := os.Stat(meta.ProjectDBPath(proj)); err != nil {
				t.Errorf("Project store should exist at %s: %v", proj.DBPath, err)
			}

			got, err := meta.GetProjectByName("test-project")
			if err != nil {
				t.Fatalf("GetProjectByName: %v", err)
			}
			if got.ID != proj.ID {
				t.Errorf("GetByName ID = %q, want %q", got.ID, proj.ID)
			}
			got, err = meta.GetProjectByID(proj.ID)
			if err != nil {
				t.Fatalf("GetProjectByID: %v", err)
			}
			if got.Name != "test-project" {
				t.Errorf("GetByID Name = %q, want %q", got.Name, "test-project")
			}
		})
	}
}

func TestOpenProjectStore(t *testing.T) {
	for _, backend := range []string{BackendSQLite, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			meta := openMeta(t, tempDir(t), WithBackend(backend))
			proj, err := meta.CreateProject("p", "")
			if err != nil {
				t.Fatal(err)
			}

			store, err := meta.OpenProjectStore(proj)
			if err != nil {
				t.Fatalf("OpenProjectStore: %v", err)
			}
			if store.ProjectID() != proj.ID {
				t.Errorf("ProjectID = %q, want %q", store.ProjectID(), proj.ID)
			}
			err = store.Update(context.Background(), func(tx snapshot.Tx) error {
				_, err := tx.CreateVersion(1, 0, 0)
				return err
			})
			if err != nil {
				t.Fatalf("CreateVersion: %v", err)
			}
			if err := store.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopening sees the persisted version.
			store, err = meta.OpenProjectStore(proj)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer store.Close()
			err = store.View(context.Background(), func(tx snapshot.Tx) error {
				vs, err := tx.Versions()
				if err != nil {
					return err
				}
				if len(vs) != 1 {
					t.Errorf("Versions after reopen = %d, want 1", len(vs))
				}
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestCreateDuplicateProject(t *testing.T) {
	meta := openMeta(t, tempDir(t))

	if _, err := meta.CreateProject("dup", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := meta.CreateProject("dup", ""); err == nil {
		t.Error("Expected error on duplicate project name")
	}
}

func TestListProjects(t *testing.T) {
	meta := openMeta(t, tempDir(t))

	meta.CreateProject("alpha", "")
	meta.CreateProject("beta", "")

	projects, err := meta.ListProjects("active")
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 2 {
		t.Errorf("ListProjects(active) = %d projects, want 2", len(projects))
	}
	if len(projects) == 2 && projects[0].Name != "alpha" {
		t.Errorf("ListProjects not ordered by name: %q first", projects[0].Name)
	}

	projects, err = meta.ListProjects("archived")
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 0 {
		t.Errorf("ListProjects(archived) = %d projects, want 0", len(projects))
	}
}

func TestArchiveAndRestoreProject(t *testing.T) {
	for _, backend := range []string{BackendSQLite, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := tempDir(t)
			meta := openMeta(t, dir, WithBackend(backend))
			meta.CreateProject("archivable", "")

			archived, err := meta.ArchiveProject("archivable")
			if err != nil {
				t.Fatalf("ArchiveProject: %v", err)
			}
			if archived.Status != "archived" {
				t.Errorf("Status = %q, want %q", archived.Status, "archived")
			}
			if !strings.HasPrefix(archived.DBPath, "archive") {
				t.Errorf("DBPath = %q, want under archive/", archived.DBPath)
			}
			if _, err := os.Stat(filepath.Join(dir, archived.DBPath)); err != nil {
				t.Errorf("Archived store should exist at %s: %v", archived.DBPath, err)
			}
			if _, err := meta.ArchiveProject("archivable"); err == nil {
				t.Error("Expected error archiving twice")
			}

			restored, err := meta.RestoreProject("archivable")
			if err != nil {
				t.Fatalf("RestoreProject: %v", err)
			}
			if restored.Status != "active" {
				t.Errorf("Status = %q, want %q", restored.Status, "active")
			}
			if _, err := os.Stat(filepath.Join(dir, restored.DBPath)); err != nil {
				t.Errorf("Restored store should exist at %s: %v", restored.DBPath, err)
			}
			if _, err := meta.RestoreProject("archivable"); err == nil {
				t.Error("Expected error restoring an active project")
			}
		})
	}
}

func TestDeleteProject(t *testing.T) {
	for _, backend := range []string{BackendSQLite, BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			dir := tempDir(t)
			meta := openMeta(t, dir, WithBackend(backend))

			proj, _ := meta.CreateProject("deletable", "")
			path := meta.ProjectDBPath(proj)

			if err := meta.DeleteProject("deletable"); err != nil {
				t.Fatalf("DeleteProject: %v", err)
			}
			if _, err := os.Stat(path); !os.IsNotExist(err) {
				t.Error("Project store should have been deleted")
			}
			projects, _ := meta.ListProjects("all")
			if len(projects) != 0 {
				t.Errorf("Expected 0 projects, got %d", len(projects))
			}
		})
	}
}

func TestGetNonExistentProject(t *testing.T) {
	meta := openMeta(t, tempDir(t))

	if _, err := meta.GetProjectByName("nonexistent"); err == nil {
		t.Error("Expected error for nonexistent project")
	}
}
