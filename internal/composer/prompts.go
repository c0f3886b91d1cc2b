package composer

// Prompt templates for the reasoning backend. Every template demands a
// single JSON object so the response can be decoded directly.

const planningPromptTemplate = `You are the execution planning unit of a governed agent.
Your task is to turn cognitive understanding into a structured, stepwise plan.

%s
%s

COGNITIVE ARTIFACT:
%s

Output ONLY valid JSON in this format:
{
  "type": "execution_plan",
  "goal": "Brief description of the objective",
  "assumptions": ["assumption 1", ...],
  "steps": [
    {
      "id": 1,
      "action": "inspect_repo | summarise_logs | analyze_code | plan_action | apply_patch",
      "target": "target path or file",
      "rationale": "Why this step is necessary",
      "risk": "low | medium | high"
    }
  ],
  "blocking_questions": ["What do you need to know from the human?", ...],
  "confidence": 0.0-1.0
}

Mandatory Policy Checklist:
1. Every step must be compatible with the restricted paths in the POLICY structure above.
2. If a project-specific rule is active, it must be reflected in the steps.
3. Do not propose actions that violate 'hard' policies.
`

const multiPlanPromptTemplate = `You are the multi-plan negotiation unit of a governed agent.
Your task is to propose 2-3 alternative approaches to the same objective, each with distinct tradeoffs.

%s

COGNITIVE ARTIFACT:
%s

You MUST output exactly ONE JSON object matching this format:
{
  "type": "execution_plan_set",
  "goal": "High-level objective (2-3 sentences)",
  "plans": [
    {
      "plan_id": "A",
      "summary": "Conservative approach: minimal change, lower risk",
      "steps": [
        {
          "id": 1,
          "action": "inspect_repo | summarise_logs | analyze_code | plan_action | apply_patch",
          "target": "target path or file",
          "rationale": "Why this step is necessary",
          "risk": "low | medium | high"
        }
      ],
      "pros": ["pro 1", ...],
      "cons": ["con 1", ...],
      "risks": ["risk 1", ...],
      "confidence": 0.0-1.0
    },
    {
      "plan_id": "B",
      "summary": "Moderate approach: balanced tradeoffs",
      "steps": [...],
      "pros": [...],
      "cons": [...],
      "risks": [...],
      "confidence": 0.0-1.0
    }
  ],
  "recommended_plan_id": "A",
  "reasoning": "Why you prefer the recommended plan under current policy and calibration (2-3 sentences)"
}

Rules:
1. Minimum 2 plans, maximum 3.
2. Each plan must differ meaningfully in approach or scope.
3. You MUST recommend exactly one plan.
4. Do NOT execute any tools. This is purely planning.
5. All steps must be compatible with POLICY constraints above.
6. Output ONLY valid JSON. No preamble or explanation.
`

const delegatedPlanPromptTemplate = `You are one of several independent planning agents advising a governed agent.

YOUR ROLE:
%s

%s

COGNITIVE ARTIFACT (identical for every agent):
%s

Propose ONE plan from your role's perspective. Output ONLY valid JSON in this format:
{
  "type": "execution_plan",
  "goal": "Brief description of the objective",
  "assumptions": ["assumption 1", ...],
  "steps": [
    {
      "id": 1,
      "action": "inspect_repo | summarise_logs | analyze_code | plan_action | apply_patch",
      "target": "target path or file",
      "rationale": "Why this step is necessary",
      "risk": "low | medium | high"
    }
  ],
  "confidence": 0.0-1.0
}

Do not reference other agents. Do not execute tools. Output JSON only.
`

const reviewPromptTemplate = `You are the review assistant of a governed agent.
Your task is to translate a technical execution plan into a human-readable review artifact.

EXECUTION PLAN:
%s

Output ONLY valid JSON in this format:
{
  "type": "review_artifact",
  "change_summary": "Plain English description of what will be modified (2-3 sentences max)",
  "step_rationales": [
    {
      "step_id": 1,
      "action": "action name",
      "target": "target file/path",
      "why": "Plain English explanation of why this step is necessary",
      "impact": "What this step will change or affect"
    }
  ],
  "risk_assessment": {
    "overall_risk": "low | medium | high",
    "potential_impacts": ["impact 1", ...],
    "failure_modes": ["failure mode 1", ...]
  },
  "rollback_note": "Plain English instructions on how to undo these changes if needed",
  "confidence": 0.0-1.0
}

Guidelines:
- Use plain English, avoid technical jargon where possible
- Highlight any irreversible or high-risk operations
`

const multiPlanReviewPromptTemplate = `You are the review assistant of a governed agent, handling multi-plan scenarios.
Your task is to explain the alternative plans in plain English.

MULTI-PLAN SET:
%s

Output ONLY valid JSON in this format:
{
  "type": "review_multiplan_set",
  "goal": "What are we trying to accomplish?",
  "plan_comparisons": [
    {
      "plan_id": "A",
      "summary": "What this plan does (1-2 sentences)",
      "why_prefer": "When you might choose this plan",
      "when_avoid": "When this plan is risky or inefficient"
    }
  ],
  "recommendation": "Why the recommended plan is preferred (2-3 sentences)",
  "confidence": 0.0-1.0
}

Guidelines:
- Be clear and direct for human decision-making
- Focus on practical tradeoffs
- Output JSON only. No preamble or explanation.
`

const blockedReviewPromptTemplate = `You are the review assistant of a governed agent.
Your task is to explain why planning cannot proceed.

BLOCKING CONTEXT:
Reason: %s
Details: %s

Output ONLY valid JSON in this format:
{
  "type": "review_blocked",
  "reason": "%s",
  "summary": "Plain English explanation of why planning cannot proceed (2-3 sentences)",
  "violated_constraints": ["constraint 1", ...],
  "suggested_next_steps": ["suggestion 1", ...],
  "confidence": 1.0
}

Guidelines:
- Be clear and direct about what is blocking progress
- Suggest concrete next steps the human can take
- Do not apologize or be overly verbose
`

const phaseReviewPromptTemplate = `You are the review assistant of a governed agent.
A phase of an approved plan has just completed. Summarise the outcome for a human reviewer.

PHASE:
%s

EXECUTION RESULTS:
%s

Output ONLY valid JSON in this format:
{
  "type": "phase_review",
  "phase_id": "...",
  "summary": "What happened in this phase (2-3 sentences)",
  "concerns": ["concern 1", ...],
  "ready_for_next": true,
  "confidence": 0.0-1.0
}

Output JSON only. No preamble.
`
