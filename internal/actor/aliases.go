package actor

// seedAliases maps known alias spellings (lowercase) to canonical group
// names. Seeded from public reporting on well-tracked groups; the engine
// grows this mapping monotonically as new aliases are merged.
var seedAliases = map[string]string{
	"apt29":              "APT29",
	"cozy bear":          "APT29",
	"the dukes":          "APT29",
	"midnight blizzard":  "APT29",
	"nobelium":           "APT29",
	"apt28":              "APT28",
	"fancy bear":         "APT28",
	"sofacy":             "APT28",
	"strontium":          "APT28",
	"forest blizzard":    "APT28",
	"lazarus":            "Lazarus Group",
	"lazarus group":      "Lazarus Group",
	"hidden cobra":       "Lazarus Group",
	"zinc":               "Lazarus Group",
	"diamond sleet":      "Lazarus Group",
	"sandworm":           "Sandworm",
	"voodoo bear":        "Sandworm",
	"seashell blizzard":  "Sandworm",
	"turla":              "Turla",
	"venomous bear":      "Turla",
	"snake":              "Turla",
	"fin7":               "FIN7",
	"carbon spider":      "FIN7",
	"kimsuky":            "Kimsuky",
	"velvet chollima":    "Kimsuky",
	"muddywater":         "MuddyWater",
	"mercury":            "MuddyWater",
	"wizard spider":      "Wizard Spider",
	"unc1878":            "Wizard Spider",
	"scattered spider":   "Scattered Spider",
	"unc3944":            "Scattered Spider",
	"octo tempest":       "Scattered Spider",
	"volt typhoon":       "Volt Typhoon",
	"vanguard panda":     "Volt Typhoon",
	"equation group":     "Equation Group",
	"carbanak":           "Carbanak",
}
