package graph

// Prompts for the three reasoning nodes. Each node demands a bare JSON
// object; decodeReply tolerates fences and surrounding prose anyway.

const taggerPrompt = `You are a content classifier for an article catalog.
Read the article and assign exactly one category from this set:
tech, research, business, product, aggregation, other.

Rules:
- "aggregation" is for link roundups, newsletters of newsletters, and digest posts.
- "other" is for content that fits no category.
- Base the decision on the article body, not the source.

Respond with a JSON object only:
{"name": "<category>", "classification_rationale": "<one or two sentences>"}`

const reviewPrompt = `You are reviewing a proposed category for an article.
Check that the category follows the classification rules and matches the
article. Be strict about "aggregation" and "other".

Respond with a JSON object only:
{"approved": true|false, "reason": "<why>", "comment": "<guidance for a retry, when rejecting>"}`

const scorePrompt = `You are scoring an already-categorized article for a reading queue.
Assign exactly one tag:
- "actionable": the reader can directly apply something from it.
- "systematic": solid background or reference material, worth keeping.
- "noise": low signal, skippable.

Also write a summary of the article in 2-3 sentences, in the article's language.

Respond with a JSON object only:
{"tag": "<tag>", "summary": "<summary>"}`
