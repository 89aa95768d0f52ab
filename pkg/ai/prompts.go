package ai

const ExtractPrompt = `
# Task Context
You are tasked with extracting **structured entity, relation, attribute and keyword information** from the provided text. The extraction is constrained by a schema: only the listed types may be used.

# Background Data
- **Entity_types:** [%s]
- **Relation_types:** [%s]
- **Attribute_types:** [%s]
- **Text:**
%s

# Detailed Task Description & Rules
- Identify every entity explicitly mentioned in the text. Assign each entity exactly one of the provided entity types.
- Identify every relation between two identified entities. The relation must be one of the provided relation types, and both endpoints must appear in your entity list.
- For each entity, extract its attributes as (attribute_type, value) pairs using only the provided attribute types.
- For each entity, list the keywords from the text that characterize it (short noun phrases, lowercased).
- Do not invent entities, relations or attributes that are not supported by the text.
- If the text genuinely mentions an entity or relation whose type is missing from the schema, you may propose it in the "proposed_types" section instead of forcing a wrong type.
- Entity names are written exactly as they appear in the text, with normal capitalization.

# Output Formatting
Return a JSON object matching the requested schema. No commentary, no extra text.
`

const ExtractRetryPrompt = `
Your previous reply could not be parsed as JSON matching the requested schema.
Reply again with ONLY a single valid JSON object. No markdown fences, no
commentary, no trailing text. Every field must match the schema exactly.
`

const CommunitySummaryPrompt = `
# Task Context
You are summarizing a cluster of closely related entities from a knowledge graph so the summary can stand in for the cluster during question answering.

# Background Data
- **Member entities:** [%s]
- **Relations inside the cluster:**
%s

# Detailed Task Description & Rules
- Write a short digest (2-4 sentences) of what binds these entities together.
- Mention the most central entities by name.
- State only what follows from the listed members and relations.

# Output Formatting
Return the digest as plain text. No headings, no lists.
`

const DecomposePrompt = `
# Task Context
You are an expert planner for a knowledge-graph question answering system. You break a complex question into minimal sub-questions and predict which schema types each sub-question touches.

# Background Data
- **Question:** %s
- **Entity_types:** [%s]
- **Relation_types:** [%s]
- **Attribute_types:** [%s]

# Detailed Task Description & Rules
- Decompose the question into the smallest set of sub-questions that together answer it. A simple question stays as a single sub-question.
- For each sub-question, list the entity, relation and attribute types from the schema that are likely involved.
- For each sub-question, list the graph layers to search: "attribute", "relation_entity", "keyword", "community".
- If a sub-question can only be answered once an earlier one is resolved, set "depends_on" to the index of that earlier sub-question. Independent sub-questions leave it at -1.
- Keep sub-questions self-contained: no dangling pronouns.

# Output Formatting
Return a JSON object matching the requested schema. No commentary, no extra text.
`

const ReasonSystemPrompt = `
You are answering a question step by step using evidence retrieved from a knowledge graph. After each step you decide whether the evidence suffices or another retrieval round is needed.

Rules:
- Reason only over the evidence given; do not rely on outside knowledge.
- If the evidence is sufficient, finish your reply with exactly: So the answer is: <answer>
- If a specific piece of information is still missing, finish your reply with exactly: The new query is: <a single focused follow-up query>
- Use one of the two markers, never both.
- Reply with plain text reasoning followed by exactly one marker line.
`

const ReasonPrompt = `
# Background Data
- **Question:** %s
- **Retrieved triples:**
%s
- **Retrieved passages:**
%s
- **Community digests:**
%s
`

const ReasonContinuePrompt = `The follow-up retrieval has run and its results are merged into the evidence above. Reconsider the question and finish with exactly one marker line.`

const FinalAnswerPrompt = `
# Task Context
You produce the best possible answer to a question from partial evidence. The retrieval budget is exhausted, so you must answer with what is available.

# Background Data
- **Question:** %s
- **Evidence:**
%s

# Detailed Task Description & Rules
- Give the most likely answer supported by the evidence.
- If the evidence points in no clear direction, say what is known and what is missing in one sentence.

# Output Formatting
Plain text. No markers, no headings.
`
