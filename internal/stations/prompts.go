package stations

import (
	"fmt"
	"strings"
)

func withScript(instructions, script string) string {
	return fmt.Sprintf("%s\n\nSCREENPLAY:\n%s", instructions, script)
}

func entityPrompt(script string, _ map[int]string) string {
	return withScript("List the characters, locations, props and organisations in this screenplay. "+
		"For each character give a one-line description and the scenes they appear in.", script)
}

func structurePrompt(script string, _ map[int]string) string {
	return withScript("Break this screenplay into acts and sequences. Identify the inciting incident, "+
		"midpoint, climax and resolution, and note any pacing problems.", script)
}

func characterArcsPrompt(script string, _ map[int]string) string {
	return withScript("Trace the arc of each principal character: want, need, flaw, and how they change. "+
		"Flag characters whose arcs are incomplete.", script)
}

func dialoguePrompt(script string, _ map[int]string) string {
	return withScript("Assess the dialogue: distinct voices, subtext, exposition handling and on-the-nose lines. "+
		"Quote short examples.", script)
}

func themePrompt(script string, _ map[int]string) string {
	return withScript("Identify the central theme and supporting motifs of this screenplay and how the "+
		"story dramatises them.", script)
}

func marketPrompt(script string, _ map[int]string) string {
	return withScript("Position this screenplay in the market: genre, comparable titles, target audience, "+
		"budget range and likely buyers.", script)
}

func synthesisPrompt(_ string, upstream map[int]string) string {
	var b strings.Builder
	b.WriteString("Write a coverage report for a screenplay from the analyses below. ")
	b.WriteString("Give a logline, a summary of strengths and weaknesses, and a recommendation of PASS, CONSIDER or RECOMMEND.\n")
	for _, st := range Catalog()[:Synthesis-1] {
		fmt.Fprintf(&b, "\n## %s\n%s\n", st.Name, upstream[st.Number])
	}
	return b.String()
}
