// Package wordsplit splits templates into words and expands variables.
//
// [Split] honours single and double quotes, backslash escapes, "#" comments,
// and a configurable delimiter set. [Expand] performs only variable
// substitution and is used for reply templates such as "OK ${xform}".
//
// Variables are written $name or ${name}, optionally with a default:
// ${name:-word} uses word when name is unset or empty, ${name-word} only
// when it is unset. Names are looked up first in [Options.Env] and then
// through [Options.Getvar]. What happens to an undefined variable is set per
// call by [Options.Undef]: configuration assignments use [UndefError] so
// unknown references are never silently blanked, while reply templates use
// [UndefEmpty].
package wordsplit
