package advisor

import (
	"fmt"
	"strings"
)

// CandidateCount is how many advisors a generation asks for.
const CandidateCount = 10

const systemPrompt = `You are an intelligence gifted in reading a person's patterns and values and identifying what will benefit their growth and understanding. You answer with a single JSON object and nothing else.`

const generationTemplate = `Attached is a worksheet I've filled out with information about myself. Read the worksheet, think carefully about what it reveals, and assemble a list of %d potential advisors you think I would benefit from having an extended conversation with.

There are no formal limits on advisor suggestions:
- They can be real people or inspired by real people
- They can be fictional characters
- They can be archetypal
- Or something stranger

Please generate a mix of the above types.

We will narrow these down to a panel of three advisors I can instantiate as perspectival voices in a separate conversation. Ideally the set should be well-balanced and afford multiple ways of knowing and being.

Respond with exactly this JSON shape and no other keys:
{
  "initialJustification": "patterns you observe in the worksheet that guided your choices",
  "advisors": [
    {
      "name": "the advisor's name",
      "description": "title and one-sentence description",
      "type": "one of historical, archetypal, fictional, current",
      "why": "why this advisor is a good match for me",
      "traditions": "intellectual, philosophical or wisdom traditions they embody",
      "speakingStyle": "their unique voice and speaking style",
      "bestSuitedFor": "the exact types of problems they are most suited to solving"
    }
  ],
  "followUp": "a question that helps me narrow the list"
}

Every field is a non-empty string.

Here is the worksheet:

%s`

// BuildPrompt embeds the formatted worksheet in the generation instruction.
func BuildPrompt(worksheet string) string {
	return fmt.Sprintf(generationTemplate, CandidateCount, strings.TrimSpace(worksheet))
}
