package mcpserver

// QueryFormatContract describes how the effective query sent to the engine
// is composed from the query and refine fields.
const QueryFormatContract = `# excelwiz Query Format

The engine receives a single **effective query** string built from two inputs.

## Inputs

- ` + "`query`" + `: the primary natural-language question about the uploaded workbook.
- ` + "`refine`" + `: an optional follow-up instruction that adjusts the primary query.

## Composition

Both inputs are trimmed. With an empty refine the effective query is the
trimmed query. Otherwise it is:

` + "```" + `text
<query>

Refine / adjust as follows:
<refine>
` + "```" + `

## Rules

1. A run is only sent when the effective query is non-empty after trimming.
2. The current workbook is sent with every run; without an upload it is ` + "`null`" + `.
3. Applying a template replaces the query and clears refine.
4. After every successful upload the single auto-run template, if any, is
   applied to the query automatically.
`
