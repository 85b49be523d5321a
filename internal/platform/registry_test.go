// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package platform_test

import (
	"sort"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/schema"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/matterbridge/matterbridged/core/plugin"
	"github.com/matterbridge/matterbridged/internal/platform"
	_ "github.com/matterbridge/matterbridged/internal/platform/mocks"
	"github.com/matterbridge/matterbridged/internal/testing"
)

type RegistrySuite struct {
	testing.BaseSuite
}

var _ = gc.Suite(&RegistrySuite{})

func (s *RegistrySuite) TestRegisteredContainsMocks(c *gc.C) {
	names := set.NewStrings(platform.Registered()...)
	for _, name := range []string{
		"matterbridge-mock1",
		"matterbridge-mock2",
		"matterbridge-mock3",
		"matterbridge-mock4",
		"matterbridge-mock5",
		"matterbridge-mock6",
	} {
		c.Check(names.Contains(name), jc.IsTrue)
	}
}

func (s *RegistrySuite) TestRegisteredSorted(c *gc.C) {
	names := platform.Registered()
	c.Assert(sort.StringsAreSorted(names), jc.IsTrue)
}

func (s *RegistrySuite) TestLookup(c *gc.C) {
	d, err := platform.Lookup("matterbridge-mock1")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(d.Name, gc.Equals, "matterbridge-mock1")
	c.Check(d.Type, gc.Equals, plugin.AnyPlatform)
	c.Check(d.New, gc.NotNil)
}

func (s *RegistrySuite) TestLookupUnknown(c *gc.C) {
	_, err := platform.Lookup("no-such-platform")
	c.Assert(err, jc.ErrorIs, errors.NotFound)
	c.Assert(err, gc.ErrorMatches, `platform "no-such-platform" not found`)
}

func (s *RegistrySuite) TestRegisterDuplicatePanics(c *gc.C) {
	c.Assert(func() {
		platform.Register(platform.Definition{
			Name: "matterbridge-mock1",
			New: func(platform.Params) (plugin.Platform, error) {
				return nil, nil
			},
		})
	}, gc.PanicMatches, `matterbridged: duplicate platform name "matterbridge-mock1"`)
}

func (s *RegistrySuite) TestRegisterInvalidPanics(c *gc.C) {
	c.Assert(func() {
		platform.Register(platform.Definition{Name: "half-baked"})
	}, gc.PanicMatches, `matterbridged: platform "half-baked" without a factory not valid`)
	c.Assert(func() {
		platform.Register(platform.Definition{})
	}, gc.PanicMatches, `matterbridged: platform definition without a name not valid`)
}

func (s *RegistrySuite) TestCoerceConfigDefaults(c *gc.C) {
	d := platform.Definition{
		Name: "coerce-test",
		ConfigFields: schema.Fields{
			"count": schema.ForceInt(),
			"label": schema.String(),
		},
		ConfigDefaults: schema.Defaults{
			"count": 3,
			"label": "switch",
		},
	}
	out, err := d.CoerceConfig(nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out["count"], gc.Equals, 3)
	c.Check(out["label"], gc.Equals, "switch")
}

func (s *RegistrySuite) TestCoerceConfigOverrides(c *gc.C) {
	d := platform.Definition{
		Name: "coerce-test",
		ConfigFields: schema.Fields{
			"count": schema.ForceInt(),
		},
		ConfigDefaults: schema.Defaults{
			"count": 3,
		},
	}
	// Frontends deliver numbers as float64.
	out, err := d.CoerceConfig(map[string]any{"count": float64(7)})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out["count"], gc.Equals, 7)
}

func (s *RegistrySuite) TestCoerceConfigBadValue(c *gc.C) {
	d := platform.Definition{
		Name: "coerce-test",
		ConfigFields: schema.Fields{
			"count": schema.ForceInt(),
		},
		ConfigDefaults: schema.Defaults{
			"count": 3,
		},
	}
	_, err := d.CoerceConfig(map[string]any{"count": "plenty"})
	c.Assert(err, gc.ErrorMatches, `plugin "coerce-test" config: count: expected number, got string\("plenty"\)`)
}

func (s *RegistrySuite) TestCoerceConfigFreeForm(c *gc.C) {
	d := platform.Definition{Name: "free-form"}
	in := map[string]any{"anything": "goes"}
	out, err := d.CoerceConfig(in)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(out, gc.DeepEquals, in)
}
