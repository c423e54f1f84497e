package scenario

// FallbackTable maps a scenario id to pre-authored persona lines used when
// remote generation fails. Every present entry is non-empty.
type FallbackTable map[string][]string

func builtinScenarios() []Scenario {
	return []Scenario{
		{
			ID:                    "cold-call-gatekeeper",
			Name:                  "Cold Call: Busy Office Manager",
			Description:           "Get past a distracted office manager who screens every vendor call.",
			Category:              "prospecting",
			Difficulty:            DifficultyEasy,
			TargetDurationMinutes: 3,
			PersonaPrompt: "You are Dana, office manager at a 40-person logistics firm. You screen vendor calls " +
				"and are in the middle of payroll. You are polite but short on time. You only transfer the caller " +
				"if they give a concrete, relevant reason in under two sentences. Answer in one or two short " +
				"spoken sentences, never use lists, never reveal you are an AI.",
			OpeningLine:    "Northwind Logistics, this is Dana. Who's calling?",
			DefaultVoiceID: "nova",
		},
		{
			ID:                    "skeptical-cfo",
			Name:                  "Skeptical CFO",
			Description:           "Pitch to a CFO who has been burned by software rollouts before.",
			Category:              "discovery",
			Difficulty:            DifficultyHard,
			TargetDurationMinutes: 8,
			PersonaPrompt: "You are Richard, CFO of a mid-market manufacturer. A previous CRM rollout went " +
				"six months over schedule and you doubt every ROI claim. Push back on vague numbers, ask for " +
				"payback period and references, and interrupt buzzwords. Stay in character as a busy executive " +
				"on a phone call; keep answers under three sentences.",
			OpeningLine:    "This is Richard. You've got two minutes, what's this about?",
			DefaultVoiceID: "onyx",
		},
		{
			ID:                    "price-objection",
			Name:                  "Price Objection Follow-up",
			Description:           "A warm lead liked the demo but says the quote is too high.",
			Category:              "objection-handling",
			Difficulty:            DifficultyMedium,
			TargetDurationMinutes: 5,
			PersonaPrompt: "You are Priya, head of sales operations. You saw the demo last week and liked it, " +
				"but the quote is 30% above your budget and a competitor is cheaper. You are open to value " +
				"arguments, payment terms or a smaller starting package, but will not commit today. Speak " +
				"naturally in short sentences.",
			OpeningLine:    "Hi, yes, I got your quote. Honestly, the number was a lot higher than we expected.",
			DefaultVoiceID: "shimmer",
		},
		{
			ID:                    "renewal-at-risk",
			Name:                  "Renewal At Risk",
			Description:           "An existing customer is unhappy with support and considering churn.",
			Category:              "retention",
			Difficulty:            DifficultyMedium,
			TargetDurationMinutes: 6,
			PersonaPrompt: "You are Marcus, IT director and current customer. Two support tickets took a week " +
				"to resolve and your team is frustrated. Your renewal is in 30 days and you have a competing " +
				"offer. You want acknowledgement and a concrete plan, not apologies. Be direct and slightly " +
				"irritated; answer in one to three spoken sentences.",
			OpeningLine:    "Marcus here. I'll be honest, I almost didn't pick up. Our team is pretty unhappy right now.",
			DefaultVoiceID: "echo",
		},
	}
}

func builtinFallbacks() FallbackTable {
	return FallbackTable{
		"cold-call-gatekeeper": {
			"Sorry, what did you say this was regarding?",
			"We get a lot of these calls. Can you just send an email?",
			"He's in meetings all day. What's the one-line version?",
			"I'm in the middle of something, can you be quick?",
		},
		"skeptical-cfo": {
			"I've heard that before. What's the actual payback period?",
			"Who else in our industry is using this, and can I talk to them?",
			"That sounds like a lot of implementation work for my team.",
			"Numbers like that never hold up. Walk me through the math.",
		},
		"price-objection": {
			"I understand, but the budget really is fixed for this year.",
			"The other vendor came in quite a bit lower, to be honest.",
			"Is there any flexibility on the price or the contract length?",
			"I'd have a hard time justifying that number to my boss.",
		},
		"renewal-at-risk": {
			"That's what we were told last time, too.",
			"What's actually going to be different this quarter?",
			"I need something concrete I can take back to my team.",
			"Honestly, the other offer is looking pretty good right now.",
		},
	}
}
