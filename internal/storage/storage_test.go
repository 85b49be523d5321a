// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package storage_test

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	loggertesting "github.com/matterbridge/matterbridged/internal/logger/testing"
	"github.com/matterbridge/matterbridged/internal/storage"
	"github.com/matterbridge/matterbridged/internal/testing"
)

type StorageSuite struct {
	testing.BaseSuite
}

var _ = gc.Suite(&StorageSuite{})

func (s *StorageSuite) newManager(c *gc.C) (*storage.Manager, string) {
	base := filepath.Join(c.MkDir(), "storage")
	mgr, err := storage.NewManager(base, loggertesting.WrapCheckLog(c))
	c.Assert(err, jc.ErrorIsNil)
	return mgr, base
}

func (s *StorageSuite) TestNewManagerCreatesBase(c *gc.C) {
	mgr, base := s.newManager(c)
	defer mgr.Close()
	info, err := os.Stat(base)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(info.IsDir(), jc.IsTrue)
	c.Check(mgr.Base(), gc.Equals, base)
}

func (s *StorageSuite) TestNewManagerUnusablePath(c *gc.C) {
	// A regular file where the directory should be.
	path := filepath.Join(c.MkDir(), "blocked")
	err := os.WriteFile(path, []byte("x"), 0600)
	c.Assert(err, jc.ErrorIsNil)

	_, err = storage.NewManager(filepath.Join(path, "storage"), loggertesting.WrapCheckLog(c))
	c.Assert(err, jc.ErrorIs, storage.ErrUnavailable)
}

func (s *StorageSuite) TestRoundTripAcrossReopen(c *gc.C) {
	mgr, base := s.newManager(c)
	ctx, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)

	type settings struct {
		Port  int    `json:"port"`
		Token string `json:"token"`
	}
	err = ctx.Set("settings", settings{Port: 5540, Token: "abc"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(mgr.Close(), jc.ErrorIsNil)

	mgr2, err := storage.NewManager(base, loggertesting.WrapCheckLog(c))
	c.Assert(err, jc.ErrorIsNil)
	defer mgr2.Close()
	ctx2, err := mgr2.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)

	var got settings
	err = ctx2.Get("settings", &got)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, settings{Port: 5540, Token: "abc"})
}

func (s *StorageSuite) TestOpenSameNameSameHandle(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx1, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)
	ctx2, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ctx1, gc.Equals, ctx2)
}

func (s *StorageSuite) TestGetMissingKey(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)

	var out string
	err = ctx.Get("absent", &out)
	c.Check(err, jc.ErrorIs, errors.NotFound)

	got, err := storage.Get(ctx, "absent", "fallback")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(got, gc.Equals, "fallback")
}

func (s *StorageSuite) TestDeleteIsIdempotent(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(ctx.Set("rm", 1), jc.ErrorIsNil)
	c.Assert(ctx.Delete("rm"), jc.ErrorIsNil)
	c.Assert(ctx.Delete("rm"), jc.ErrorIsNil)
	c.Check(ctx.Has("rm"), jc.IsFalse)
}

func (s *StorageSuite) TestKeysSortedAndScoped(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(ctx.Set("zeta", 1), jc.ErrorIsNil)
	c.Assert(ctx.Set("alpha", 2), jc.ErrorIsNil)
	sub, err := ctx.Sub("persist")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(sub.Set("storeId", "Matterbridge"), jc.ErrorIsNil)

	keys, err := ctx.Keys()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(keys, jc.DeepEquals, []string{"alpha", "zeta"})

	keys, err = sub.Keys()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(keys, jc.DeepEquals, []string{"storeId"})
	c.Check(sub.Name(), gc.Equals, "Matterbridge/persist")
}

func (s *StorageSuite) TestClear(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx, err := mgr.Open("node")
	c.Assert(err, jc.ErrorIsNil)
	sub, err := ctx.Sub("persist")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(ctx.Set("a", 1), jc.ErrorIsNil)
	c.Assert(sub.Set("b", 2), jc.ErrorIsNil)
	c.Assert(ctx.Clear(), jc.ErrorIsNil)

	keys, err := ctx.Keys()
	c.Assert(err, jc.ErrorIsNil)
	c.Check(keys, gc.HasLen, 0)
	c.Check(sub.Has("b"), jc.IsTrue)
}

func (s *StorageSuite) TestBadNamesAndKeys(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()

	_, err := mgr.Open("")
	c.Check(err, gc.ErrorMatches, "empty context name not valid")
	_, err = mgr.Open("../escape")
	c.Check(err, gc.ErrorMatches, `context name "\.\./escape" not valid`)

	ctx, err := mgr.Open("node")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ctx.Set("", 1), gc.ErrorMatches, "empty key not valid")
	c.Check(ctx.Set("a/b", 1), gc.ErrorMatches, `key "a/b" not valid`)
}

func (s *StorageSuite) TestClosedManager(c *gc.C) {
	mgr, _ := s.newManager(c)
	ctx, err := mgr.Open("node")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(mgr.Close(), jc.ErrorIsNil)

	_, err = mgr.Open("other")
	c.Check(err, jc.ErrorIs, storage.ErrUnavailable)
	c.Check(ctx.Set("k", 1), jc.ErrorIs, storage.ErrUnavailable)
	var out int
	c.Check(ctx.Get("k", &out), jc.ErrorIs, storage.ErrUnavailable)
	c.Check(mgr.Close(), jc.ErrorIsNil)
}

func (s *StorageSuite) TestContextCloseThenReopen(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx, err := mgr.Open("node")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ctx.Set("k", "v"), jc.ErrorIsNil)
	c.Assert(ctx.Close(), jc.ErrorIsNil)
	c.Check(ctx.Set("k", "w"), jc.ErrorIs, storage.ErrUnavailable)

	fresh, err := mgr.Open("node")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(fresh, gc.Not(gc.Equals), ctx)
	var out string
	c.Assert(fresh.Get("k", &out), jc.ErrorIsNil)
	c.Check(out, gc.Equals, "v")
}

func (s *StorageSuite) TestBackup(c *gc.C) {
	mgr, _ := s.newManager(c)
	defer mgr.Close()
	ctx, err := mgr.Open("Matterbridge")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ctx.Set("settings", map[string]any{"port": 5540}), jc.ErrorIsNil)
	sub, err := ctx.Sub("persist")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(sub.Set("storeId", "Matterbridge"), jc.ErrorIsNil)

	dest := filepath.Join(c.MkDir(), "backup")
	c.Assert(mgr.Backup(dest), jc.ErrorIsNil)

	for _, rel := range []string{
		"Matterbridge/settings.json",
		"Matterbridge/persist/storeId.json",
	} {
		_, err := os.Stat(filepath.Join(dest, rel))
		c.Check(err, jc.ErrorIsNil)
	}
	// No partial scaffolding left behind.
	_, err = os.Stat(dest + ".partial")
	c.Check(os.IsNotExist(err), jc.IsTrue)
}
