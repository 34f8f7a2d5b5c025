package generate

import (
	"github.com/Tr1pa/Dataset-Generator/pkg/transform"
)

// Base scenes, one per generation of subway car.
const (
	sceneOld = "Interior of an old Soviet-style Moscow metro train carriage, " +
		"one-point perspective looking down the narrow aisle, eye-level shot. " +
		"Brown faux-leather padded bench seats along cream-colored walls, " +
		"wood-grain plastic wall panels, grey-brown spotted linoleum floor, " +
		"chrome steel handrails and poles, dim warm yellowish ceiling lights. " +
		"No people. No text overlay. No watermark. Photorealistic, 8k."

	sceneMid = "Interior of a Russian subway car from the 2000s era, " +
		"wide-angle one-point perspective down the center aisle. " +
		"Blue vinyl bench seats along light grey walls, grey spotted linoleum floor, " +
		"chrome grab poles and overhead rails, bright neutral fluorescent lights. " +
		"No people. No text overlay. No watermark. Photorealistic, 8k."

	sceneNew = "Interior of a modern Moscow metro train car, symmetrical one-point perspective. " +
		"Blue anti-vandal fabric bench seats along white plastic walls, dark grey rubber flooring, " +
		"stainless steel poles and handrails, bright cold LED strip lighting. " +
		"Clean modern design showing signs of heavy public use. " +
		"No people. No text overlay. No watermark. Photorealistic, 8k."
)

// Class is one damage category with the prompts used to synthesize it.
type Class struct {
	ID      int
	Name    string
	Prompts []string
}

// DefaultClasses returns the damage classes in id order.
func DefaultClasses() []Class {
	return []Class{
		{
			ID:   0,
			Name: "damaged_seat",
			Prompts: []string{
				sceneOld + " FOCUS ON SEAT DAMAGE: the brown faux-leather seats are cracked in a web-like pattern, " +
					"with deep knife slashes exposing crumbling yellow foam and dark greasy stains on the headrests.",
				sceneOld + " FOCUS ON SEAT GRIME: the leatherette seats are darkened and greasy from years of use, " +
					"peeling at the corners, with carved initials and yellow foam showing through worn spots.",
				sceneMid + " FOCUS ON SEAT DAMAGE: the blue vinyl seats are torn in several places showing padding, " +
					"with drink stains in the crevices, black marker tags and cigarette burn marks.",
				sceneNew + " FOCUS ON SEAT WEAR: the fabric seats are stained and discolored, pilled and worn thin " +
					"in high-contact zones, fraying at the edges.",
				sceneMid + " FOCUS ON SEAT VANDALISM: a long knife slash with foam bulging out, sticker residue, " +
					"pen scribbles and a large burn hole in one seat.",
			},
		},
		{
			ID:   1,
			Name: "damaged_floor",
			Prompts: []string{
				sceneOld + " FOCUS ON FLOOR DAMAGE: the linoleum is covered in dried white salt stains and reagent " +
					"residue, grey sludge trails and overlapping muddy footprints.",
				sceneMid + " FOCUS ON FLOOR WEAR: the center aisle is worn smooth and pale, black scuff marks " +
					"everywhere, linoleum edges curling up near the doors.",
				sceneNew + " FOCUS ON FLOOR STAINS: the rubber floor has a dried coffee spill, a sticky soda puddle " +
					"and ground-in black dirt.",
				sceneMid + " FOCUS ON FLOOR DAMAGE: a long crack with lifting edges and a missing patch of linoleum " +
					"near the door revealing the metal subfloor.",
				sceneOld + " FOCUS ON WINTER FLOOR: wet grey slush puddles by the doors, muddy footprint trails and " +
					"white salt crystallization where puddles dried.",
			},
		},
		{
			ID:   2,
			Name: "damaged_metal",
			Prompts: []string{
				sceneOld + " FOCUS ON METAL DAMAGE: the handrails and poles are corroded, chrome worn off at hand " +
					"height exposing steel with orange rust spots and rust streaks below the brackets.",
				sceneMid + " FOCUS ON METAL WEAR: the grab poles are dull and tarnished, covered in greasy " +
					"handprints, with small dents and rust at the joints.",
				sceneOld + " FOCUS ON WALL AND METAL DAMAGE: painted metal near the ceiling is peeling, revealing " +
					"rusty metal, with rust drip stains and corroded screw heads.",
				sceneNew + " FOCUS ON METAL DAMAGE: stainless poles carry deep scratches, dents and small rust " +
					"spots forming at weld points.",
				sceneMid + " FOCUS ON DOOR METAL DAMAGE: door frames scratched and dented, paint chipped off the " +
					"corners, the threshold plate bent and rust forming along the joints.",
			},
		},
	}
}

// ClassNames returns the names in id order.
func ClassNames(classes []Class) []string {
	names := make([]string, len(classes))
	for i, c := range classes {
		names[i] = c.Name
	}
	return names
}

// Job is one scheduled generation request.
type Job struct {
	Class  Class
	Prompt string
}

// Schedule spreads total jobs evenly over classes, giving the remainder to
// the lowest ids, picks a random prompt for each and shuffles the result.
func Schedule(classes []Class, total int, rng transform.Rand) []Job {
	if len(classes) == 0 || total <= 0 {
		return nil
	}
	per, extra := total/len(classes), total%len(classes)

	jobs := make([]Job, 0, total)
	for i, c := range classes {
		n := per
		if i < extra {
			n++
		}
		for j := 0; j < n; j++ {
			prompt := ""
			if len(c.Prompts) > 0 {
				prompt = c.Prompts[rng.Intn(len(c.Prompts))]
			}
			jobs = append(jobs, Job{Class: c, Prompt: prompt})
		}
	}
	for i := len(jobs) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		jobs[i], jobs[j] = jobs[j], jobs[i]
	}
	return jobs
}
