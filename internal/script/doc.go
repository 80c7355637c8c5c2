// Package script turns a report's script template into an executable script
// and turns the files the script produced into renderable outputs.
//
// Templates reference data through ${...} tokens. ${input_data} is replaced
// by the path of the generated input TSV. ${prefix:name} tokens such as
// ${tsvout:result} or ${imgout:plot} are replaced by paths of output files
// allocated in the working directory and recorded as ParamReplacements in
// the order they first appear.
//
//	m := script.NewMaterializer(fileManager)
//	out, err := m.Materialize(template, inputFile, workDir, prolog)
//
// After execution, Views renders existing outputs as HTML fragments,
// ScriptOutputs builds API records and Thumbnail picks the first image.
package script
