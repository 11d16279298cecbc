package agent

import (
	"fmt"
	"strings"

	"Agent-Sandbox/internal/conversation"
	"Agent-Sandbox/internal/plan"
)

const defaultSystemPrompt = "You are a helpful AI assistant running on the user's machine. " +
	"You can answer questions directly or use local tools (a calculator, a Python interpreter, " +
	"a shell and web search) to get things done. Tools with side effects are previewed and " +
	"only run after the user confirms. Be concise and accurate."

const classifierSystemPrompt = "You are an expert intent classifier. Be conservative with tool usage - " +
	"prefer CONVERSATIONAL for questions about capabilities."

func classifierPrompt(tools, history, userMessage string) string {
	return "You are an AI assistant classifier. Analyze the user's request and classify it into one of three categories:\n\n" +
		"1. CONVERSATIONAL: Questions about your capabilities, greetings, chitchat, requests for explanation, or clarifications about previous responses.\n" +
		"   Examples: 'What can you do?', 'Hello!', 'How does that work?', 'Can you explain that?'\n\n" +
		"2. SIMPLE_TOOL: Requests that can be accomplished with a single tool execution.\n" +
		"   Examples: 'Calculate 5 + 3', 'Search for Go tutorials', 'Run ls command'\n\n" +
		"3. COMPLEX_TASK: Requests that require multiple steps, planning, or coordination of multiple tools.\n" +
		"   Examples: 'Find all Go files and count their lines', 'Create a new project structure', 'Debug this error'\n\n" +
		"Available tools:\n" + tools + "\n\n" +
		"Recent conversation context:\n" + history + "\n\n" +
		"User's current request: '" + userMessage + "'\n\n" +
		"Classify this request and provide reasoning. Use intent_type conversational, simple_tool or complex_task. " +
		"If it's a simple_tool request, suggest which tool to use by its exact name. " +
		"If the request is ambiguous or needs clarification, set requires_clarification to true and provide a clarification question."
}

func toolSelectionPrompt(tools, userMessage, suggested string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user wants to perform a simple action: '%s'\n\n", userMessage)
	fmt.Fprintf(&b, "Available tools:\n%s\n\n", tools)
	if suggested != "" {
		fmt.Fprintf(&b, "The suggested tool is '%s'; use a different one only if it clearly cannot do the job.\n\n", suggested)
	}
	b.WriteString("Determine the appropriate tool to use and the input for that tool. " +
		"Respond with a JSON object containing 'tool_type', 'tool_input' (a JSON string matching the tool's input_schema) and 'reasoning'.")
	return b.String()
}

func planPrompt(tools, objective string) string {
	return "You are an expert AI agent. Your task is to create a detailed, step-by-step plan to achieve the following objective: '" + objective + "'.\n\n" +
		"You have access to the following tools:\n" + tools + "\n\n" +
		"For each step, you must provide a 'thought' explaining your reasoning for the action. This thought will be shown to the user.\n" +
		"The plan should be a sequence of steps. Each step must include a unique 'step_id' (starting from 1), a 'thought', a 'tool_type', and the 'tool_input'.\n" +
		"If a step does not require a tool, leave 'tool_type' and 'tool_input' empty.\n" +
		"If the input for a tool depends on the output of a previous step, use a placeholder like '$step_1_output' to reference it.\n\n" +
		"Format the entire plan as a single JSON object that adheres to the provided schema. " +
		"For each tool type, ensure the 'tool_input' is a JSON string matching the tool's input schema.\n"
}

func seedPrompt(p *plan.Plan) string {
	return "The following is the plan you created to achieve the user's objective:\n" + p.String() + "\n\n" +
		"You will now execute this plan step-by-step. For each step, first narrate your thought process, then execute the tool if applicable, and finally observe and store the result.\n" +
		"The output of each tool execution will be fed back to you for use in subsequent steps.\n" +
		"Once all steps have been successfully executed, you will provide a final summary to the user, and set the `plan_complete` boolean to true.\n" +
		"Begin with Step 1."
}

func followupPrompt(p *plan.Plan, stepID int, output string) string {
	return fmt.Sprintf("The full plan is:\n%s\n\n"+
		"The output of the previous step (Step %d) is as follows:\n%s\n\n"+
		"Based on this result, please provide the next step in the plan. If the plan is complete, set `plan_complete` to true.\n"+
		"Format your response as a JSON object adhering to the StepMessage schema.",
		p.String(), stepID, output)
}

// renderHistory 把历史消息渲染为 role: content 行，计划消息以 [Plan] 代替。
func renderHistory(msgs []conversation.Message) string {
	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		content := m.Content
		if m.Type == conversation.TypePlan {
			content = "[Plan]"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, content))
	}
	return strings.Join(lines, "\n")
}
