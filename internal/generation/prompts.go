package generation

import "strings"

var systemPrompts = map[Role]string{
	RoleResearcher: "You are a researcher of myth, folklore and history. Collect the background, themes " +
		"and characters a writer needs for the given concept. Answer in the language of the concept.",
	RolePlanner: "You are a story planner. Turn the research into a concrete creation plan: premise, " +
		"structure, chapter outline and character arcs.",
	RoleWriter: "You are a novelist. Write the requested chapter following the plan and the story " +
		"documentation. Keep names, timeline and world rules consistent. Output only the story text.",
	RoleContinuity: "You maintain the story documentation. Extract characters, timeline events, world " +
		"rules, plot points and locations from the text. Report only facts present in the text.",
	RoleLogicChecker: "You check stories for logical and continuity errors. List every contradiction " +
		"with the documentation or within the text, and how to fix it.",
	RoleDialogue: "You review dialogue. Point out lines that are unnatural, out of character or " +
		"redundant and suggest better ones.",
	RoleEditor: "You are the editor. Combine the reviewers' feedback into a revised full story. " +
		"Set approved to true only when no further revision is needed.",
	RoleFinalChecker: "You do the final pre-publication check. Fix remaining typos and inconsistencies " +
		"and output the final story text only.",
}

// SystemPrompt returns the instructions that set up a role.
func SystemPrompt(role Role) string {
	return systemPrompts[role]
}

// userMessage joins the context bundle and the instruction.
func userMessage(prompt string, gc Context) string {
	if strings.TrimSpace(gc.Bundle) == "" {
		return prompt
	}
	return gc.Bundle + "\n\n---\n\n" + prompt
}
